package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sentry-messenger/d1plane/internal/domain/account"
	"github.com/sentry-messenger/d1plane/internal/domain/call"
	"github.com/sentry-messenger/d1plane/internal/domain/contact"
	"github.com/sentry-messenger/d1plane/internal/domain/conversation"
	"github.com/sentry-messenger/d1plane/internal/domain/device"
	"github.com/sentry-messenger/d1plane/internal/domain/media"
	"github.com/sentry-messenger/d1plane/internal/domain/purge"
	"github.com/sentry-messenger/d1plane/internal/domain/token"
	"github.com/sentry-messenger/d1plane/internal/norm"
	apierrors "github.com/sentry-messenger/d1plane/pkg/errors"
)

// HandleMediaUsage implements POST /d1/media/usage.
func (d *Deps) HandleMediaUsage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountDigest string `json:"accountDigest"`
		ObjectKey     string `json:"objectKey"`
		Bytes         int64  `json:"bytes"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, apierrors.BadRequest, "invalid body", nil)
		return
	}
	digest, ok := norm.AccountDigest(req.AccountDigest)
	if !ok || req.ObjectKey == "" {
		writeError(w, r, apierrors.BadRequest, "invalid field", nil)
		return
	}
	if err := media.RecordUsage(r.Context(), d.Store, digest, req.ObjectKey, req.Bytes); err != nil {
		writeInternal(w, r, d.Log, "media_usage_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// HandleMediaUsageList implements GET /d1/media/usage?accountDigest=....
func (d *Deps) HandleMediaUsageList(w http.ResponseWriter, r *http.Request) {
	digest, ok := norm.AccountDigest(r.URL.Query().Get("accountDigest"))
	if !ok {
		writeError(w, r, apierrors.BadRequest, "invalid accountDigest", nil)
		return
	}
	rows, err := media.Usage(r.Context(), d.Store, digest)
	if err != nil {
		writeInternal(w, r, d.Log, "media_usage_list_failed", err)
		return
	}
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, map[string]any{"object_key": row.ObjectKey, "bytes": row.Bytes, "updated_at": row.UpdatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"usage": out})
}

// HandleConversationsAuthorize implements POST /d1/conversations/authorize.
func (d *Deps) HandleConversationsAuthorize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConversationID string `json:"conversationId"`
		AccountDigest  string `json:"accountDigest"`
		DeviceID       string `json:"deviceId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, apierrors.BadRequest, "invalid body", nil)
		return
	}
	convID, ok := norm.ConversationID(req.ConversationID)
	if !ok {
		writeError(w, r, apierrors.BadRequest, "invalid conversationId", nil)
		return
	}
	digest, ok := norm.AccountDigest(req.AccountDigest)
	if !ok {
		writeError(w, r, apierrors.BadRequest, "invalid accountDigest", nil)
		return
	}
	role, authorized, err := conversation.Authorize(r.Context(), d.Store, convID, digest, req.DeviceID)
	if err != nil {
		writeInternal(w, r, d.Log, "conversation_authorize_failed", err)
		return
	}
	if !authorized {
		writeError(w, r, apierrors.AuthForbidden, "not authorized for this conversation", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"authorized": true, "role": role})
}

// HandleSubscriptionRedeem implements POST /d1/subscription/redeem.
func (d *Deps) HandleSubscriptionRedeem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountDigest string `json:"accountDigest"`
		TokenID       string `json:"tokenId"`
		IssuedAt      int64  `json:"issuedAt"`
		ExtendDays    int64  `json:"extendDays"`
		Nonce         string `json:"nonce"`
		KeyID         string `json:"keyId"`
		SignatureB64  string `json:"signatureB64"`
		DryRun        bool   `json:"dryRun"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, apierrors.BadRequest, "invalid body", nil)
		return
	}
	digest, ok := norm.AccountDigest(req.AccountDigest)
	if !ok || req.TokenID == "" || req.ExtendDays <= 0 {
		writeError(w, r, apierrors.BadRequest, "invalid field", nil)
		return
	}

	if req.DryRun {
		res, err := token.Preview(r.Context(), d.Store, digest, req.ExtendDays)
		if err != nil {
			writeInternal(w, r, d.Log, "subscription_preview_failed", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"dry_run": true, "expires_at": res.ExpiresAt})
		return
	}

	res, err := token.Redeem(r.Context(), d.Store, token.Redemption{
		Digest: digest, TokenID: req.TokenID, IssuedAt: req.IssuedAt, ExtendDays: req.ExtendDays,
		Nonce: req.Nonce, KeyID: req.KeyID, SignatureB64: req.SignatureB64,
	})
	if err != nil {
		var used *token.ErrUsed
		if errors.As(err, &used) {
			writeError(w, r, apierrors.TokenUsed, "token already used", map[string]any{
				"usedAt": used.UsedAt, "usedByDigest": used.UsedByDigest,
			})
			return
		}
		writeInternal(w, r, d.Log, "subscription_redeem_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dry_run": false, "expires_at": res.ExpiresAt})
}

// HandleSubscriptionStatus implements GET /d1/subscription/status?accountDigest=....
func (d *Deps) HandleSubscriptionStatus(w http.ResponseWriter, r *http.Request) {
	digest, ok := norm.AccountDigest(r.URL.Query().Get("accountDigest"))
	if !ok {
		writeError(w, r, apierrors.BadRequest, "invalid accountDigest", nil)
		return
	}
	expiresAt, found, err := token.SubscriptionStatus(r.Context(), d.Store, digest)
	if err != nil {
		writeInternal(w, r, d.Log, "subscription_status_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"found": found, "expires_at": expiresAt})
}

// HandleTokenStatus implements GET /d1/subscription/token-status?tokenId=....
func (d *Deps) HandleTokenStatus(w http.ResponseWriter, r *http.Request) {
	tokenID := r.URL.Query().Get("tokenId")
	if tokenID == "" {
		writeError(w, r, apierrors.BadRequest, "invalid tokenId", nil)
		return
	}
	row, found, err := token.TokenStatus(r.Context(), d.Store, tokenID)
	if err != nil {
		writeInternal(w, r, d.Log, "token_status_failed", err)
		return
	}
	if !found {
		writeError(w, r, apierrors.NotFound, "token not found", nil)
		return
	}
	resp := map[string]any{"status": row.Status}
	if row.UsedAt.Valid {
		resp["used_at"] = row.UsedAt.Int64
	}
	if row.UsedByDigest.Valid {
		resp["used_by_digest"] = row.UsedByDigest.String
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleDevicesUpsert implements POST /d1/devices/upsert.
func (d *Deps) HandleDevicesUpsert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountDigest string `json:"accountDigest"`
		DeviceID      string `json:"deviceId"`
		Label         string `json:"label"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, apierrors.BadRequest, "invalid body", nil)
		return
	}
	digest, ok := norm.AccountDigest(req.AccountDigest)
	if !ok {
		writeError(w, r, apierrors.BadRequest, "invalid accountDigest", nil)
		return
	}
	deviceID, ok := norm.DeviceID(req.DeviceID)
	if !ok {
		writeError(w, r, apierrors.BadRequest, "invalid deviceId", nil)
		return
	}
	if err := device.Upsert(r.Context(), d.Store, digest, deviceID, req.Label); err != nil {
		writeInternal(w, r, d.Log, "device_upsert_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// HandleDevicesCheck implements GET /d1/devices/check?accountDigest=...&deviceId=....
func (d *Deps) HandleDevicesCheck(w http.ResponseWriter, r *http.Request) {
	digest, ok := norm.AccountDigest(r.URL.Query().Get("accountDigest"))
	if !ok {
		writeError(w, r, apierrors.BadRequest, "invalid accountDigest", nil)
		return
	}
	deviceID, ok := norm.DeviceID(r.URL.Query().Get("deviceId"))
	if !ok {
		writeError(w, r, apierrors.BadRequest, "invalid deviceId", nil)
		return
	}
	row, found, err := device.Check(r.Context(), d.Store, digest, deviceID)
	if err != nil {
		writeInternal(w, r, d.Log, "device_check_failed", err)
		return
	}
	if !found {
		writeError(w, r, apierrors.NotFound, "device not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, deviceRowJSON(row))
}

// HandleDevicesActive implements GET /d1/devices/active?accountDigest=....
func (d *Deps) HandleDevicesActive(w http.ResponseWriter, r *http.Request) {
	digest, ok := norm.AccountDigest(r.URL.Query().Get("accountDigest"))
	if !ok {
		writeError(w, r, apierrors.BadRequest, "invalid accountDigest", nil)
		return
	}
	rows, err := device.Active(r.Context(), d.Store, digest)
	if err != nil {
		writeInternal(w, r, d.Log, "device_active_failed", err)
		return
	}
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, deviceRowJSON(row))
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out})
}

func deviceRowJSON(row device.Row) map[string]any {
	out := map[string]any{
		"account_digest": row.AccountDigest,
		"device_id":      row.DeviceID,
		"status":         row.Status,
		"created_at":     row.CreatedAt,
		"updated_at":     row.UpdatedAt,
	}
	if row.Label.Valid {
		out["label"] = row.Label.String
	}
	if row.LastSeenAt.Valid {
		out["last_seen_at"] = row.LastSeenAt.Int64
	}
	return out
}

// HandleCallsSession implements POST /d1/calls/session (upsert) and
// GET /d1/calls/session?callId=... (read).
func (d *Deps) HandleCallsSession(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		callID := r.URL.Query().Get("callId")
		if callID == "" {
			writeError(w, r, apierrors.BadRequest, "invalid callId", nil)
			return
		}
		s, found, err := call.GetSession(r.Context(), d.Store, callID)
		if err != nil {
			writeInternal(w, r, d.Log, "call_get_session_failed", err)
			return
		}
		if !found {
			writeError(w, r, apierrors.NotFound, "call session not found", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"call_id":         s.CallID,
			"conversation_id": s.ConversationID,
			"state_json":      json.RawMessage(s.StateJSON),
			"expires_at":      s.ExpiresAt,
			"created_at":      s.CreatedAt,
			"updated_at":      s.UpdatedAt,
		})
		return
	}

	var req struct {
		CallID         string          `json:"callId"`
		ConversationID string          `json:"conversationId"`
		StateJSON      json.RawMessage `json:"stateJson"`
		ExpiresAt      int64           `json:"expiresAt"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, apierrors.BadRequest, "invalid body", nil)
		return
	}
	convID, ok := norm.ConversationID(req.ConversationID)
	if !ok || req.CallID == "" || len(req.StateJSON) == 0 {
		writeError(w, r, apierrors.BadRequest, "invalid field", nil)
		return
	}
	if err := call.UpsertSession(r.Context(), d.Store, req.CallID, convID, string(req.StateJSON), req.ExpiresAt); err != nil {
		writeInternal(w, r, d.Log, "call_upsert_session_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// HandleCallsEvents implements POST /d1/calls/events (append) and
// GET /d1/calls/events?callId=... (list).
func (d *Deps) HandleCallsEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		callID := r.URL.Query().Get("callId")
		if callID == "" {
			writeError(w, r, apierrors.BadRequest, "invalid callId", nil)
			return
		}
		events, err := call.ListEvents(r.Context(), d.Store, callID)
		if err != nil {
			writeInternal(w, r, d.Log, "call_list_events_failed", err)
			return
		}
		out := make([]map[string]any, 0, len(events))
		for _, e := range events {
			out = append(out, map[string]any{
				"id": e.ID, "call_id": e.CallID, "event_json": json.RawMessage(e.EventJSON), "created_at": e.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": out})
		return
	}

	var req struct {
		CallID    string          `json:"callId"`
		EventJSON json.RawMessage `json:"eventJson"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, apierrors.BadRequest, "invalid body", nil)
		return
	}
	if req.CallID == "" || len(req.EventJSON) == 0 {
		writeError(w, r, apierrors.BadRequest, "invalid field", nil)
		return
	}
	id, err := call.AppendEvent(r.Context(), d.Store, req.CallID, string(req.EventJSON))
	if err != nil {
		writeInternal(w, r, d.Log, "call_append_event_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}

// HandleContactsUpsert implements POST /d1/contacts/upsert.
func (d *Deps) HandleContactsUpsert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountDigest string          `json:"accountDigest"`
		PayloadJSON   json.RawMessage `json:"payloadJson"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, apierrors.BadRequest, "invalid body", nil)
		return
	}
	digest, ok := norm.AccountDigest(req.AccountDigest)
	if !ok || len(req.PayloadJSON) == 0 {
		writeError(w, r, apierrors.BadRequest, "invalid field", nil)
		return
	}
	snap, err := contact.Upsert(r.Context(), d.Store, digest, string(req.PayloadJSON))
	if err != nil {
		writeInternal(w, r, d.Log, "contacts_upsert_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": snap.Version, "updated_at": snap.UpdatedAt})
}

// HandleContactsSnapshot implements GET /d1/contacts/snapshot?accountDigest=....
func (d *Deps) HandleContactsSnapshot(w http.ResponseWriter, r *http.Request) {
	digest, ok := norm.AccountDigest(r.URL.Query().Get("accountDigest"))
	if !ok {
		writeError(w, r, apierrors.BadRequest, "invalid accountDigest", nil)
		return
	}
	snap, found, err := contact.Get(r.Context(), d.Store, digest)
	if err != nil {
		writeInternal(w, r, d.Log, "contacts_snapshot_failed", err)
		return
	}
	if !found {
		writeError(w, r, apierrors.NotFound, "no contact snapshot", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_digest": snap.AccountDigest,
		"payload_json":   json.RawMessage(snap.PayloadJSON),
		"version":        snap.Version,
		"updated_at":     snap.UpdatedAt,
	})
}

// HandleAccountEvidence implements GET /d1/account/evidence?accountDigest=....
func (d *Deps) HandleAccountEvidence(w http.ResponseWriter, r *http.Request) {
	digest, ok := norm.AccountDigest(r.URL.Query().Get("accountDigest"))
	if !ok {
		writeError(w, r, apierrors.BadRequest, "invalid accountDigest", nil)
		return
	}
	ev, found, err := d.Account.Evidence(r.Context(), digest)
	if err != nil {
		writeInternal(w, r, d.Log, "account_evidence_failed", err)
		return
	}
	if !found {
		writeError(w, r, apierrors.NotFound, "account not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// HandleAccountsVerify implements POST /d1/accounts/verify: a read-only
// Resolve with allowCreate=false and no counter advance.
func (d *Deps) HandleAccountsVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UIDHex        string `json:"uidHex"`
		AccountToken  string `json:"accountToken"`
		AccountDigest string `json:"accountDigest"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, apierrors.BadRequest, "invalid body", nil)
		return
	}
	acc, _, err := d.Account.Resolve(r.Context(), req.UIDHex, req.AccountToken, req.AccountDigest, false)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			writeError(w, r, apierrors.NotFound, "account not found", nil)
			return
		}
		writeInternal(w, r, d.Log, "accounts_verify_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_digest": acc.AccountDigest,
		"last_ctr":       acc.LastCtr,
	})
}

// HandleAccountsCreated implements GET /d1/accounts/created?accountDigest=....
func (d *Deps) HandleAccountsCreated(w http.ResponseWriter, r *http.Request) {
	digest, ok := norm.AccountDigest(r.URL.Query().Get("accountDigest"))
	if !ok {
		writeError(w, r, apierrors.BadRequest, "invalid accountDigest", nil)
		return
	}
	ev, found, err := d.Account.Evidence(r.Context(), digest)
	if err != nil {
		writeInternal(w, r, d.Log, "accounts_created_failed", err)
		return
	}
	if !found {
		writeError(w, r, apierrors.NotFound, "account not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account_digest": ev.AccountDigest, "created_at": ev.CreatedAt})
}

// HandleAccountsPurge implements POST /d1/accounts/purge.
func (d *Deps) HandleAccountsPurge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountDigest string `json:"accountDigest"`
		DryRun        bool   `json:"dryRun"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, apierrors.BadRequest, "invalid body", nil)
		return
	}
	digest, ok := norm.AccountDigest(req.AccountDigest)
	if !ok {
		writeError(w, r, apierrors.BadRequest, "invalid accountDigest", nil)
		return
	}
	plan := purge.Run(r.Context(), d.Store, digest, req.DryRun)
	if d.Metrics != nil && !req.DryRun {
		d.Metrics.Inc("accounts.purge.live")
	}
	writeJSON(w, http.StatusOK, plan)
}
