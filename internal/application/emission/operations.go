package emission

import (
	"context"
	"errors"
	"fmt"
	"time"

	appdps "3tcapital/ms_nfse_emissor/internal/application/dps"
	"3tcapital/ms_nfse_emissor/internal/core/emission"
	"3tcapital/ms_nfse_emissor/internal/core/nfse"
)

// StatusView combines the local record with the remote state of the NFS-e.
type StatusView struct {
	Emission    *emission.Emission   `json:"emission"`
	Remote      *nfse.StatusResult   `json:"remote,omitempty"`
	RemoteError string               `json:"remoteError,omitempty"`
	Error       *nfse.Classification `json:"error,omitempty"`
}

// BatchItem is the per-order outcome of a batch run.
type BatchItem struct {
	OrderID int64   `json:"orderId"`
	Success bool    `json:"success"`
	Result  *Result `json:"result,omitempty"`
	Code    string  `json:"code,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// BatchSummary aggregates a batch run.
type BatchSummary struct {
	Total     int         `json:"total"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	Items     []BatchItem `json:"items"`
}

// CancelNfse registers the cancellation event of a successful emission and
// moves the record to cancelled. It does not interrupt in-flight emissions.
func (s *Service) CancelNfse(ctx context.Context, orderID int64, reason string) (*nfse.CancelResult, error) {
	lock, err := s.obtainLock(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, lock, orderID)

	rec, err := s.repo.FindByOrderID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("find emission for order %d: %w", orderID, err)
	}
	if rec.Status != emission.StatusSuccess || rec.AccessKey == "" {
		return nil, fmt.Errorf("order %d is %s: %w", orderID, rec.Status, nfse.ErrNotCancellable)
	}

	cfg := s.settings.Settings()
	now := s.now()
	eventXML, err := appdps.BuildCancellationEvent(appdps.CancellationRequest{
		AccessKey:   rec.AccessKey,
		AuthorCNPJ:  cfg.Issuer.CNPJ,
		Environment: rec.Environment,
		AppVersion:  cfg.AppVersion,
		Reason:      reason,
		At:          now,
	})
	if err != nil {
		return nil, err
	}

	bundle, err := s.activeCertificate(ctx)
	if err != nil {
		return nil, err
	}
	signed, err := s.signer.Sign(eventXML, bundle)
	if err != nil {
		return nil, err
	}

	result, err := s.client.Cancel(ctx, rec.AccessKey, signed.SignedXML)
	if err != nil {
		s.log.Error("cancellation rejected", "order_id", orderID, "access_key", rec.AccessKey, "error", err)
		return nil, err
	}

	persistCtx := context.WithoutCancel(ctx)
	if err := s.repo.MarkCancelled(persistCtx, orderID, emission.CancelUpdate{
		Reason:      reason,
		Response:    result.Raw,
		CancelledAt: now,
	}); err != nil {
		return nil, fmt.Errorf("persist cancellation of order %d: %w", orderID, err)
	}

	if err := s.orders.AddNote(persistCtx, orderID, fmt.Sprintf("NFS-e %s cancelada. Motivo: %s", rec.AccessKey, reason)); err != nil {
		s.log.Warn("failed to add cancellation note to order", "order_id", orderID, "error", err)
	}

	s.log.Info("nfse cancelled", "order_id", orderID, "access_key", rec.AccessKey)
	return result, nil
}

// QueryStatus looks an emission up by order id or access key and, when it
// has an access key, asks the API for its current state. A failing remote
// query is reported in the view, not as an error.
func (s *Service) QueryStatus(ctx context.Context, lookup emission.Lookup) (*StatusView, error) {
	var (
		rec *emission.Emission
		err error
	)
	switch {
	case lookup.OrderID > 0:
		rec, err = s.repo.FindByOrderID(ctx, lookup.OrderID)
	case lookup.AccessKey != "":
		rec, err = s.repo.FindByAccessKey(ctx, lookup.AccessKey)
	default:
		return nil, errors.New("order id or access key is required")
	}
	if err != nil {
		return nil, err
	}

	view := &StatusView{Emission: rec}
	if rec.ErrorCode != "" && rec.Status == emission.StatusError {
		c := classificationFor(rec.ErrorCode)
		view.Error = &c
	}
	if rec.AccessKey == "" {
		return view, nil
	}

	remote, err := s.client.QueryStatus(ctx, rec.AccessKey)
	if err != nil {
		s.log.Warn("remote status query failed", "order_id", rec.OrderID, "access_key", rec.AccessKey, "error", err)
		view.RemoteError = err.Error()
		return view, nil
	}
	view.Remote = remote
	return view, nil
}

// ProcessBatchEmission emits orders one after the other. A failing order does
// not stop the batch; a cancelled context does, leaving the remaining orders
// reported as not processed.
func (s *Service) ProcessBatchEmission(ctx context.Context, orderIDs []int64, force bool) BatchSummary {
	summary := BatchSummary{Total: len(orderIDs), Items: make([]BatchItem, 0, len(orderIDs))}

	for _, id := range orderIDs {
		if err := ctx.Err(); err != nil {
			summary.Items = append(summary.Items, BatchItem{OrderID: id, Code: nfse.CodeTimeout, Error: "batch interrupted: " + err.Error()})
			summary.Failed++
			continue
		}

		result, err := s.ProcessEmission(ctx, id, force)
		if err != nil {
			summary.Items = append(summary.Items, BatchItem{OrderID: id, Code: nfse.CodeOf(err), Error: err.Error()})
			summary.Failed++
			continue
		}
		summary.Items = append(summary.Items, BatchItem{OrderID: id, Success: true, Result: result})
		summary.Succeeded++
	}

	s.log.Info("batch emission finished",
		"total", summary.Total,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
	)
	return summary
}

// Statistics counts emissions attempted within [from, to).
func (s *Service) Statistics(ctx context.Context, from, to time.Time) (emission.Stats, error) {
	if !from.Before(to) {
		return emission.Stats{}, fmt.Errorf("period start %s must be before end %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	stats, err := s.repo.Stats(ctx, from, to)
	if err != nil {
		return emission.Stats{}, fmt.Errorf("emission statistics: %w", err)
	}
	stats.From, stats.To = from, to
	stats.SuccessRate = stats.ComputeSuccessRate()
	return stats, nil
}

// DownloadXML returns the stored DPS of an order, signed or as generated.
func (s *Service) DownloadXML(ctx context.Context, orderID int64, signed bool) (string, error) {
	rec, err := s.repo.FindByOrderID(ctx, orderID)
	if err != nil {
		return "", err
	}
	xml := rec.XML
	if signed {
		xml = rec.SignedXML
	}
	if xml == "" {
		return "", fmt.Errorf("order %d has no stored xml: %w", orderID, emission.ErrNotFound)
	}
	return xml, nil
}

// TestConnection checks the government API and the active certificate.
func (s *Service) TestConnection(ctx context.Context) error {
	valid, err := s.certs.IsCertificateValid(ctx)
	if err != nil {
		return fmt.Errorf("check certificate: %w", err)
	}
	if !valid {
		return &nfse.SigningError{Code: nfse.CodeCertificateExpired, Message: "active certificate is not within its validity window"}
	}
	if err := s.client.TestConnection(ctx); err != nil {
		return fmt.Errorf("nfse api: %w", err)
	}
	return nil
}

// classificationFor rebuilds the operator hint of a persisted error code.
func classificationFor(code string) nfse.Classification {
	switch code {
	case nfse.CodeGenerationFailed:
		return nfse.Classify(&nfse.GenerationError{})
	case nfse.CodeValidationFailed:
		return nfse.Classify(&nfse.ValidationError{})
	case nfse.CodeCertificateExpired, nfse.CodeCertificateNotYetValid, nfse.CodeCertificatePassword,
		nfse.CodeCertificateUnreadable, nfse.CodeCertificateMissing, nfse.CodeInvalidDocument:
		return nfse.Classify(&nfse.SigningError{Code: code})
	case nfse.CodeSubmissionRejected:
		return nfse.Classify(&nfse.SubmissionError{Code: code})
	case nfse.CodePersistFailed:
		return nfse.Classify(&nfse.PersistError{})
	default:
		return nfse.Classify(&nfse.SubmissionError{Code: code, Temporary: true})
	}
}
