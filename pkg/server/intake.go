package server

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/fluxfill-hq/fluxfiller/pkg/executor"
	"github.com/fluxfill-hq/fluxfiller/pkg/intentcodec"
	"github.com/fluxfill-hq/fluxfiller/pkg/logger"
	"github.com/fluxfill-hq/fluxfiller/pkg/models"
)

// intakeRequest is the wire shape of a freshly signed intent submission.
type intakeRequest struct {
	Intent       models.Intent `json:"intent"`
	Signature    []byte        `json:"signature"`
	PublicKey    []byte        `json:"public_key"`
	SigningNonce uint64        `json:"signing_nonce"`
	IntentHash   string        `json:"intent_hash,omitempty"`
}

// handleIntake accepts a signed intent and applies the immediate
// settlement policy: limit intents are checked for profitability first
// and settled immediately when acceptable; auction intents attempt
// immediate settlement regardless, with profitability logged but not
// blocking. Either way an execution failure defers the intent to the
// order book for the matching loop to retry.
func (s *Server) handleIntake(w http.ResponseWriter, r *http.Request) {
	var req intakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if msg, ok := validateIntake(&req); !ok {
		s.writeError(w, http.StatusBadRequest, msg)
		return
	}

	if !intentcodec.Verify(&req.Intent, req.Signature, req.PublicKey) {
		s.writeError(w, http.StatusBadRequest, "signature verification failed")
		return
	}

	now := uint64(time.Now().Unix())
	if req.Intent.Expiry() < now {
		s.writeError(w, http.StatusBadRequest, "intent already expired")
		return
	}

	// The canonical hash is the sole idempotency key; an explicit hash
	// from the submitter is honored as-is.
	orderHash := req.IntentHash
	if orderHash == "" {
		digest := intentcodec.HashIntent(&req.Intent)
		orderHash = hex.EncodeToString(digest[:])
	}

	signed := &models.SignedIntent{
		Intent:       req.Intent,
		Signature:    req.Signature,
		PublicKey:    req.PublicKey,
		SigningNonce: req.SigningNonce,
	}

	var fillAmount uint64
	attemptNow := false

	switch req.Intent.Pricing {
	case models.PricingLimit:
		fillAmount = req.Intent.BuyAmount
		attemptNow = s.pricer.CheckLimit(r.Context(), &req.Intent)
		if !attemptNow {
			s.logger.InfoWith(logger.API, "Limit intent %s not profitable yet, queueing", orderHash)
		}
	case models.PricingAuction:
		required, profitable := s.pricer.CheckAuction(r.Context(), &req.Intent, now)
		fillAmount = required
		if s.pricer.Policy().OptimisticAuctionFill {
			// The relayer prefers eating a possible bounded loss over
			// leaving a fresh market order unfilled.
			attemptNow = true
			if !profitable {
				s.logger.NoticeWith(logger.API, "Auction intent %s outside tolerance, attempting fill anyway", orderHash)
			}
		} else {
			attemptNow = profitable
		}
	}

	if attemptNow {
		result, err := s.exec.Execute(r.Context(), signed, fillAmount)
		if err == nil {
			s.writeJSON(w, http.StatusOK, result)
			return
		}
		if executor.IsValidationError(err) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		// Execution errors defer to the book rather than failing the
		// submitter; the matching loop retries until expiry.
		s.logger.ErrorWith(logger.API, "Immediate settlement of %s failed, queueing: %v", orderHash, err)
	}

	s.book.Add(orderHash, req.Intent, req.Signature, req.PublicKey, req.SigningNonce)
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":    "PENDING",
		"orderHash": orderHash,
	})
}

// validateIntake checks required fields. Shape problems are client
// errors, rejected immediately and never retried.
func validateIntake(req *intakeRequest) (string, bool) {
	intent := &req.Intent
	switch {
	case intent.Maker == "":
		return "missing required field: intent.maker", false
	case intent.SellAsset == "":
		return "missing required field: intent.sell_asset", false
	case intent.BuyAsset == "":
		return "missing required field: intent.buy_asset", false
	case intent.SellAmount == 0:
		return "missing required field: intent.sell_amount", false
	case len(req.Signature) == 0:
		return "missing required field: signature", false
	case len(req.PublicKey) == 0:
		return "missing required field: public_key", false
	}

	switch intent.Pricing {
	case models.PricingAuction:
		if intent.EndTime <= intent.StartTime {
			return "auction intent requires end_time after start_time", false
		}
	case models.PricingLimit:
		if intent.BuyAmount == 0 {
			return "limit intent requires buy_amount", false
		}
		if intent.ExpiryTime == 0 {
			return "limit intent requires expiry_time", false
		}
	default:
		return "unknown pricing mode", false
	}
	return "", true
}
