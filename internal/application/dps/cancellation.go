package dps

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/beevik/etree"

	coredps "3tcapital/ms_nfse_emissor/internal/core/dps"
	"3tcapital/ms_nfse_emissor/internal/core/nfse"
)

// Cancellation event (e101101) constants.
const (
	EventCancellation     = "101101"
	eventSequence         = "001"
	cancellationDesc      = "Cancelamento de NFS-e"
	AccessKeyLength       = 50
	minCancelReasonLength = 15
	maxCancelReasonLength = 255
)

// Cancellation reason codes (cMotivo).
const (
	CancelReasonIssueError = "1"
	CancelReasonNoService  = "2"
	CancelReasonOther      = "9"
)

// CancellationRequest describes one cancellation event.
type CancellationRequest struct {
	AccessKey   string
	AuthorCNPJ  string
	Environment string
	AppVersion  string
	ReasonCode  string
	Reason      string
	At          time.Time
}

// EventID returns the 62-character pedRegEvento Id: "PRE" + access key +
// event code + sequence.
func EventID(accessKey string) string {
	return "PRE" + accessKey + EventCancellation + eventSequence
}

// BuildCancellationEvent renders the unsigned pedRegEvento XML.
func BuildCancellationEvent(req CancellationRequest) (string, error) {
	key := coredps.OnlyDigits(req.AccessKey)
	if len(key) != AccessKeyLength || key != req.AccessKey {
		return "", &nfse.GenerationError{Field: "access_key", Message: fmt.Sprintf("access key must have %d digits", AccessKeyLength)}
	}
	if !coredps.ValidCNPJ(req.AuthorCNPJ) {
		return "", &nfse.GenerationError{Field: "author_cnpj", Message: "author CNPJ is invalid"}
	}

	reason := normalizeText(req.Reason, maxCancelReasonLength)
	if n := utf8.RuneCountInString(reason); n < minCancelReasonLength {
		return "", fmt.Errorf("%w: reason must have at least %d characters", nfse.ErrInvalidCancelReason, minCancelReasonLength)
	}

	code := req.ReasonCode
	switch code {
	case "":
		code = CancelReasonOther
	case CancelReasonIssueError, CancelReasonNoService, CancelReasonOther:
	default:
		return "", fmt.Errorf("%w: unknown reason code %q", nfse.ErrInvalidCancelReason, code)
	}

	x := etree.NewDocument()
	x.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	root := x.CreateElement("pedRegEvento")
	root.CreateAttr("xmlns", coredps.Namespace)
	root.CreateAttr("versao", coredps.LayoutVersion)

	inf := root.CreateElement("infPedReg")
	inf.CreateAttr("Id", EventID(key))
	addText(inf, "tpAmb", req.Environment)
	addText(inf, "verAplic", appVersion(req.AppVersion))
	addText(inf, "dhEvento", req.At.Format(dateTimeLayout))
	addText(inf, "CNPJAutor", req.AuthorCNPJ)
	addText(inf, "chNFSe", key)
	addText(inf, "nPedRegEvento", eventSequence)

	ev := inf.CreateElement("e" + EventCancellation)
	addText(ev, "xDesc", cancellationDesc)
	addText(ev, "cMotivo", code)
	addText(ev, "xMotivo", reason)

	out, err := x.WriteToString()
	if err != nil {
		return "", fmt.Errorf("write cancellation event xml: %w", err)
	}
	return out, nil
}
