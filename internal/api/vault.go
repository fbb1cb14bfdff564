package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sentry-messenger/d1plane/internal/domain/vault"
	"github.com/sentry-messenger/d1plane/internal/norm"
	apierrors "github.com/sentry-messenger/d1plane/pkg/errors"
	"github.com/sentry-messenger/d1plane/pkg/telemetry"
)

type vaultPutRequest struct {
	AccountDigest   string          `json:"accountDigest"`
	ConversationID  string          `json:"conversationId"`
	MessageID       string          `json:"messageId"`
	SenderDeviceID  string          `json:"senderDeviceId"`
	TargetDeviceID  string          `json:"targetDeviceId"`
	Direction       string          `json:"direction"`
	MsgType         string          `json:"msgType"`
	HeaderCounter   *int64          `json:"headerCounter"`
	WrappedMKJSON   json.RawMessage `json:"wrappedMkJson"`
	WrapContextJSON json.RawMessage `json:"wrapContext"`
	DRStateSnapshot string          `json:"drStateSnapshot"`
}

func (req vaultPutRequest) toPut() (vault.Put, error) {
	accountDigest, ok := norm.AccountDigest(req.AccountDigest)
	if !ok {
		return vault.Put{}, errBadField
	}
	convID, ok := norm.ConversationID(req.ConversationID)
	if !ok {
		return vault.Put{}, errBadField
	}
	msgID, ok := norm.MessageID(req.MessageID)
	if !ok {
		return vault.Put{}, errBadField
	}
	senderDevice, ok := norm.DeviceID(req.SenderDeviceID)
	if !ok {
		return vault.Put{}, errBadField
	}
	targetDevice, ok := norm.DeviceID(req.TargetDeviceID)
	if !ok {
		return vault.Put{}, errBadField
	}
	if len(req.WrappedMKJSON) == 0 || len(req.WrapContextJSON) == 0 {
		return vault.Put{}, errBadField
	}

	return vault.Put{
		AccountDigest:   accountDigest,
		ConversationID:  convID,
		MessageID:       msgID,
		SenderDeviceID:  senderDevice,
		TargetDeviceID:  targetDevice,
		Direction:       vault.Direction(req.Direction),
		MsgType:         req.MsgType,
		HeaderCounter:   req.HeaderCounter,
		WrappedMKJSON:   string(req.WrappedMKJSON),
		WrapContextJSON: string(req.WrapContextJSON),
		DRStateSnapshot: req.DRStateSnapshot,
	}, nil
}

func writeVaultError(w http.ResponseWriter, r *http.Request, lg *telemetry.Logger, event string, err error) {
	switch {
	case errors.Is(err, vault.ErrInvalidWrappedPayload):
		writeError(w, r, apierrors.InvalidWrappedPayload, "invalid wrapped payload", nil)
	case errors.Is(err, vault.ErrInvalidWrapContext):
		writeError(w, r, apierrors.InvalidWrapContext, "invalid wrap context", nil)
	case errors.Is(err, errBadField):
		writeError(w, r, apierrors.BadRequest, "invalid field", nil)
	default:
		writeInternal(w, r, lg, event, err)
	}
}

// HandleVaultPut implements POST /d1/message-key-vault/put.
func (d *Deps) HandleVaultPut(w http.ResponseWriter, r *http.Request) {
	var req vaultPutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, apierrors.BadRequest, "invalid body", nil)
		return
	}
	p, err := req.toPut()
	if err != nil {
		writeError(w, r, apierrors.BadRequest, "invalid field", nil)
		return
	}
	if err := vault.Write(r.Context(), d.Store, p); err != nil {
		writeVaultError(w, r, d.Log, "vault_put_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// HandleVaultGet implements POST /d1/message-key-vault/get — either
// headerCounter or messageId identifies the row.
func (d *Deps) HandleVaultGet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountDigest  string `json:"accountDigest"`
		ConversationID string `json:"conversationId"`
		MessageID      string `json:"messageId"`
		SenderDeviceID string `json:"senderDeviceId"`
		HeaderCounter  *int64 `json:"headerCounter"`
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
	convID, ok := norm.ConversationID(req.ConversationID)
	if !ok {
		writeError(w, r, apierrors.BadRequest, "invalid conversationId", nil)
		return
	}

	var (
		row   vault.Row
		found bool
		err   error
	)
	if req.HeaderCounter != nil {
		row, found, err = vault.ByHeaderCounter(r.Context(), d.Store, digest, convID, *req.HeaderCounter)
	} else {
		senderDevice, ok := norm.DeviceID(req.SenderDeviceID)
		if !ok || req.MessageID == "" {
			writeError(w, r, apierrors.BadRequest, "messageId+senderDeviceId or headerCounter required", nil)
			return
		}
		row, found, err = vault.ByMessageID(r.Context(), d.Store, digest, convID, req.MessageID, senderDevice)
	}
	if err != nil {
		writeInternal(w, r, d.Log, "vault_get_failed", err)
		return
	}
	if !found {
		writeError(w, r, apierrors.NotFound, "vault row not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, vaultRowJSON(row))
}

// HandleVaultLatestState implements POST /d1/message-key-vault/latest-state.
func (d *Deps) HandleVaultLatestState(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountDigest  string `json:"accountDigest"`
		ConversationID string `json:"conversationId"`
		SenderDeviceID string `json:"senderDeviceId"`
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
	convID, ok := norm.ConversationID(req.ConversationID)
	if !ok {
		writeError(w, r, apierrors.BadRequest, "invalid conversationId", nil)
		return
	}

	state, err := vault.LatestStateFor(r.Context(), d.Store, digest, convID, req.SenderDeviceID)
	if err != nil {
		writeInternal(w, r, d.Log, "vault_latest_state_failed", err)
		return
	}
	resp := map[string]any{}
	if state.Outgoing != nil {
		resp["outgoing"] = vaultRowJSON(*state.Outgoing)
	}
	if state.Incoming != nil {
		resp["incoming"] = vaultRowJSON(*state.Incoming)
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleVaultDelete implements POST /d1/message-key-vault/delete.
func (d *Deps) HandleVaultDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountDigest  string `json:"accountDigest"`
		ConversationID string `json:"conversationId"`
		MessageID      string `json:"messageId"`
		SenderDeviceID string `json:"senderDeviceId"`
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
	convID, ok := norm.ConversationID(req.ConversationID)
	if !ok {
		writeError(w, r, apierrors.BadRequest, "invalid conversationId", nil)
		return
	}
	if err := vault.Delete(r.Context(), d.Store, digest, convID, req.MessageID, req.SenderDeviceID); err != nil {
		writeInternal(w, r, d.Log, "vault_delete_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// HandleVaultCount implements POST /d1/message-key-vault/count.
func (d *Deps) HandleVaultCount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountDigest  string `json:"accountDigest"`
		ConversationID string `json:"conversationId"`
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
	convID, ok := norm.ConversationID(req.ConversationID)
	if !ok {
		writeError(w, r, apierrors.BadRequest, "invalid conversationId", nil)
		return
	}
	n, err := vault.Count(r.Context(), d.Store, digest, convID)
	if err != nil {
		writeInternal(w, r, d.Log, "vault_count_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": n})
}

func vaultRowJSON(row vault.Row) map[string]any {
	out := map[string]any{
		"account_digest":    row.AccountDigest,
		"conversation_id":   row.ConversationID,
		"message_id":        row.MessageID,
		"sender_device_id":  row.SenderDeviceID,
		"target_device_id":  row.TargetDeviceID,
		"direction":         row.Direction,
		"wrapped_mk_json":   json.RawMessage(row.WrappedMKJSON),
		"wrap_context_json": json.RawMessage(row.WrapContextJSON),
		"created_at":        row.CreatedAt,
	}
	if row.MsgType.Valid {
		out["msg_type"] = row.MsgType.String
	}
	if row.HeaderCounter.Valid {
		out["header_counter"] = row.HeaderCounter.Int64
	}
	if row.DRStateSnapshot.Valid {
		out["dr_state_snapshot"] = json.RawMessage(row.DRStateSnapshot.String)
	}
	return out
}
