package nfse

import (
	"context"
	"time"
)

// Remote document statuses reported by Client implementations.
const (
	StatusAuthorized = "authorized"
	StatusCancelled  = "cancelled"
	StatusNotFound   = "not_found"
)

// SubmitResult is the government response to a DPS submission.
type SubmitResult struct {
	AccessKey   string
	Protocol    string
	Status      string
	DPSID       string
	NfseXML     string
	Alerts      []Message
	Raw         string
	ProcessedAt time.Time
}

// StatusResult is the remote view of an issued NFS-e.
type StatusResult struct {
	AccessKey string
	Status    string
	NfseXML   string
	Raw       string
}

// CancelResult is the government response to a cancellation event.
type CancelResult struct {
	AccessKey string
	Protocol  string
	Status    string
	EventXML  string
	Raw       string
}

// Client defines the contract with the national NFS-e API.
type Client interface {
	// Submit sends a signed DPS and returns the access key of the issued NFS-e.
	Submit(ctx context.Context, signedXML string) (*SubmitResult, error)

	// QueryStatus fetches the current state of an issued NFS-e.
	QueryStatus(ctx context.Context, accessKey string) (*StatusResult, error)

	// Cancel registers a signed cancellation event for the NFS-e.
	Cancel(ctx context.Context, accessKey, signedEventXML string) (*CancelResult, error)

	// TestConnection verifies the API is reachable with the configured credentials.
	TestConnection(ctx context.Context) error
}
