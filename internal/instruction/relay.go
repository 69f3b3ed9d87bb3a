package instruction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// RelaySubmitter forwards signed instructions to an HTTP execution relay.
//
//	POST {base}/instructions        -> {"ref": "..."}
//	GET  {base}/instructions/{ref}  -> {"status": "pending|success|failed", "block_number": n, "reason": "..."}
type RelaySubmitter struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

var _ Submitter = (*RelaySubmitter)(nil)

// NewRelaySubmitter constructs a relay client.
func NewRelaySubmitter(baseURL string, timeout time.Duration, logger zerolog.Logger) *RelaySubmitter {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RelaySubmitter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "instruction_relay").Logger(),
	}
}

type relayCall struct {
	To    string `json:"to"`
	Value string `json:"value"`
	Data  string `json:"data"`
}

type relayRequest struct {
	ChainID    uint64              `json:"chain_id"`
	Target     string              `json:"target"`
	Nonce      uint64              `json:"nonce"`
	ValidUntil int64               `json:"valid_until"`
	Calls      []relayCall         `json:"calls"`
	Hash       string              `json:"hash"`
	Scheme     Scheme              `json:"scheme"`
	Signer     string              `json:"signer"`
	Signature  string              `json:"signature"`
	Assertion  *BiometricAssertion `json:"assertion,omitempty"`
}

func (r *RelaySubmitter) Submit(ctx context.Context, s Signed) (string, error) {
	payload := relayRequest{
		ChainID:    s.Unsigned.ChainID,
		Target:     s.Unsigned.Target.Hex(),
		Nonce:      s.Unsigned.Nonce,
		ValidUntil: s.Unsigned.ValidUntil.Unix(),
		Hash:       s.Hash.Hex(),
		Scheme:     s.Signature.Scheme,
		Signer:     s.Signature.Signer.Hex(),
		Signature:  hexutil.Encode(s.Signature.Data),
		Assertion:  s.Signature.Assertion,
	}
	for _, c := range s.Unsigned.Calls {
		payload.Calls = append(payload.Calls, relayCall{To: c.To.Hex(), Value: c.Value.Dec(), Data: hexutil.Encode(c.Data)})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", eris.Wrap(err, "relay: marshal instruction")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/instructions", bytes.NewReader(body))
	if err != nil {
		return "", eris.Wrap(err, "relay: create request")
	}
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		Ref string `json:"ref"`
	}
	if err := r.do(req, &out); err != nil {
		return "", err
	}
	if out.Ref == "" {
		return "", eris.New("relay: empty settlement reference")
	}
	r.logger.Info().Str("hash", s.Hash.Hex()).Str("ref", out.Ref).Str("scheme", string(s.Signature.Scheme)).Msg("instruction submitted")
	return out.Ref, nil
}

func (r *RelaySubmitter) Await(ctx context.Context, ref string) (Outcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/instructions/"+url.PathEscape(ref), nil)
	if err != nil {
		return Outcome{}, eris.Wrap(err, "relay: create request")
	}

	var out struct {
		Status      string `json:"status"`
		BlockNumber uint64 `json:"block_number"`
		Reason      string `json:"reason"`
	}
	if err := r.do(req, &out); err != nil {
		return Outcome{}, err
	}

	switch out.Status {
	case "pending":
		return Outcome{Ref: ref}, ErrNotYetIncluded
	case "success":
		return Outcome{Ref: ref, Success: true, BlockNumber: out.BlockNumber}, nil
	case "failed":
		return Outcome{Ref: ref, BlockNumber: out.BlockNumber, Reason: out.Reason}, nil
	default:
		return Outcome{}, eris.Errorf("relay: unknown status %q", out.Status)
	}
}

func (r *RelaySubmitter) do(req *http.Request, out any) error {
	resp, err := r.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "relay: send request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return eris.Errorf("relay: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return eris.Wrap(err, "relay: decode response")
	}
	return nil
}

// AwaitOutcome polls until the instruction reaches a terminal state or ctx ends.
func AwaitOutcome(ctx context.Context, s Submitter, ref string, interval time.Duration) (Outcome, error) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		outcome, err := s.Await(ctx, ref)
		if err == nil {
			return outcome, nil
		}
		if !errors.Is(err, ErrNotYetIncluded) {
			return Outcome{}, err
		}
		select {
		case <-ctx.Done():
			return Outcome{Ref: ref}, ctx.Err()
		case <-ticker.C:
		}
	}
}
