package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sentry-messenger/d1plane/internal/domain/atomicsend"
	"github.com/sentry-messenger/d1plane/internal/domain/backup"
	"github.com/sentry-messenger/d1plane/internal/domain/deletion"
	"github.com/sentry-messenger/d1plane/internal/domain/message"
	"github.com/sentry-messenger/d1plane/internal/domain/messagestatus"
	"github.com/sentry-messenger/d1plane/internal/domain/vault"
	"github.com/sentry-messenger/d1plane/internal/norm"
	apierrors "github.com/sentry-messenger/d1plane/pkg/errors"
	"github.com/sentry-messenger/d1plane/pkg/idempotency"
)

var messageAliases = map[string]string{
	"conversation_id":         "conversationId",
	"sender_account_digest":   "senderAccountDigest",
	"sender_device_id":        "senderDeviceId",
	"receiver_account_digest": "receiverAccountDigest",
	"receiver_device_id":      "receiverDeviceId",
	"header_json":             "headerJson",
	"ciphertext_b64":          "ciphertextB64",
	"account_digest":          "accountDigest",
	"created_at":              "createdAt",
}

type messageRequest struct {
	ID                    string `json:"id"`
	ConversationID        string `json:"conversationId"`
	SenderAccountDigest   string `json:"senderAccountDigest"`
	SenderDeviceID        string `json:"senderDeviceId"`
	ReceiverAccountDigest string `json:"receiverAccountDigest"`
	ReceiverDeviceID      string `json:"receiverDeviceId"`
	HeaderJSON            json.RawMessage `json:"headerJson"`
	CiphertextB64         string `json:"ciphertextB64"`
	Counter               int64  `json:"counter"`
	CreatedAt             int64  `json:"createdAt"`
}

func (req messageRequest) toInsert() (message.Insert, error) {
	convID, ok := norm.ConversationID(req.ConversationID)
	if !ok {
		return message.Insert{}, errBadField
	}
	senderDigest, ok := norm.AccountDigest(req.SenderAccountDigest)
	if !ok {
		return message.Insert{}, errBadField
	}
	senderDevice, ok := norm.DeviceID(req.SenderDeviceID)
	if !ok {
		return message.Insert{}, errBadField
	}
	msgID, ok := norm.MessageID(req.ID)
	if !ok || len(req.HeaderJSON) == 0 || req.CiphertextB64 == "" {
		return message.Insert{}, errBadField
	}

	var recvDigest, recvDevice string
	if req.ReceiverAccountDigest != "" {
		d, ok := norm.AccountDigest(req.ReceiverAccountDigest)
		if !ok {
			return message.Insert{}, errBadField
		}
		recvDigest = d
		recvDevice = req.ReceiverDeviceID
	}

	return message.Insert{
		ID:                    msgID,
		ConversationID:        convID,
		SenderAccountDigest:   senderDigest,
		SenderDeviceID:        senderDevice,
		ReceiverAccountDigest: recvDigest,
		ReceiverDeviceID:      recvDevice,
		HeaderJSON:            string(req.HeaderJSON),
		CiphertextB64:         req.CiphertextB64,
		Counter:               req.Counter,
		CreatedAt:             req.CreatedAt,
	}, nil
}

var errBadField = errors.New("api: invalid field")

// HandleMessagesAppend implements POST /d1/messages.
func (d *Deps) HandleMessagesAppend(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeAliased(r, &req, messageAliases); err != nil {
		writeError(w, r, apierrors.BadRequest, "invalid body", nil)
		return
	}
	in, err := req.toInsert()
	if err != nil {
		writeError(w, r, apierrors.BadRequest, "invalid field", nil)
		return
	}

	res, err := message.Append(r.Context(), d.Store, in)
	if err != nil {
		var tooLow *message.ErrCounterTooLow
		switch {
		case errors.As(err, &tooLow):
			writeError(w, r, apierrors.CounterTooLow, "counter too low", map[string]any{"maxCounter": tooLow.MaxCounter})
		case errors.Is(err, message.ErrHeaderMismatch):
			writeError(w, r, apierrors.BadRequest, "header does not match sender/counter", nil)
		default:
			writeInternal(w, r, d.Log, "message_append_failed", err)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"created":    res.Created,
		"created_at": res.CreatedAt,
	})
}

// HandleMessagesList implements GET /d1/messages?conversationId=...&limit=...
// [&cursorCounter=...&cursorId=...&requesterAccountDigest=...&includeKeys=true].
func (d *Deps) HandleMessagesList(w http.ResponseWriter, r *http.Request) {
	convID, ok := norm.ConversationID(r.URL.Query().Get("conversationId"))
	if !ok {
		writeError(w, r, apierrors.BadRequest, "invalid conversationId", nil)
		return
	}
	requester := r.URL.Query().Get("requesterAccountDigest")
	limit := queryInt(r, "limit", 50)
	var cursor message.Cursor
	if c := r.URL.Query().Get("cursorCounter"); c != "" {
		cursor = message.Cursor{
			Counter:   queryInt64(r, "cursorCounter", 0),
			CreatedAt: queryInt64(r, "cursorCreatedAt", 0),
			ID:        r.URL.Query().Get("cursorId"),
			Valid:     true,
		}
	}

	rows, err := message.List(r.Context(), d.Store, convID, requester, limit, cursor)
	if err != nil {
		writeInternal(w, r, d.Log, "message_list_failed", err)
		return
	}

	includeKeys := queryBool(r, "includeKeys")
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		item := map[string]any{
			"id":                  row.ID,
			"conversation_id":     row.ConversationID,
			"sender_account_digest": row.SenderAccountDigest,
			"sender_device_id":   row.SenderDeviceID,
			"header_json":        json.RawMessage(row.HeaderJSON),
			"ciphertext_b64":     row.CiphertextB64,
			"counter":            row.Counter,
			"created_at":         row.CreatedAt,
		}
		if row.ReceiverAccountDigest.Valid {
			item["receiver_account_digest"] = row.ReceiverAccountDigest.String
		}
		if row.ReceiverDeviceID.Valid {
			item["receiver_device_id"] = row.ReceiverDeviceID.String
		}
		if includeKeys {
			if vrow, found, err := vault.ByHeaderCounter(r.Context(), d.Store, row.SenderAccountDigest, row.ConversationID, row.Counter); err == nil && found {
				item["wrapped_mk_json"] = json.RawMessage(vrow.WrappedMKJSON)
			}
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

// HandleMessagesByCounter implements GET /d1/messages/by-counter
// ?conversationId=...&senderAccountDigest=...&senderDeviceId=...&counter=....
func (d *Deps) HandleMessagesByCounter(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	convID, ok := norm.ConversationID(q.Get("conversationId"))
	if !ok {
		writeError(w, r, apierrors.BadRequest, "invalid conversationId", nil)
		return
	}
	senderDigest, ok := norm.AccountDigest(q.Get("senderAccountDigest"))
	if !ok {
		writeError(w, r, apierrors.BadRequest, "invalid senderAccountDigest", nil)
		return
	}
	senderDevice, ok := norm.DeviceID(q.Get("senderDeviceId"))
	if !ok {
		writeError(w, r, apierrors.BadRequest, "invalid senderDeviceId", nil)
		return
	}
	counter := queryInt64(r, "counter", -1)
	if counter < 0 {
		writeError(w, r, apierrors.BadRequest, "invalid counter", nil)
		return
	}

	row, found, err := message.ByCounter(r.Context(), d.Store, convID, senderDigest, senderDevice, counter)
	if err != nil {
		writeInternal(w, r, d.Log, "message_by_counter_failed", err)
		return
	}
	if !found {
		writeError(w, r, apierrors.NotFound, "message not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":              row.ID,
		"conversation_id": row.ConversationID,
		"header_json":     json.RawMessage(row.HeaderJSON),
		"ciphertext_b64":  row.CiphertextB64,
		"counter":         row.Counter,
		"created_at":      row.CreatedAt,
	})
}

// HandleMessagesMaxCounter implements POST /d1/messages/secure/max-counter.
func (d *Deps) HandleMessagesMaxCounter(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConversationID      string `json:"conversationId"`
		SenderAccountDigest string `json:"senderAccountDigest"`
		SenderDeviceID      string `json:"senderDeviceId"`
	}
	if err := decodeAliased(r, &req, messageAliases); err != nil {
		writeError(w, r, apierrors.BadRequest, "invalid body", nil)
		return
	}
	convID, ok := norm.ConversationID(req.ConversationID)
	if !ok {
		writeError(w, r, apierrors.BadRequest, "invalid conversationId", nil)
		return
	}
	digest, ok := norm.AccountDigest(req.SenderAccountDigest)
	if !ok {
		writeError(w, r, apierrors.BadRequest, "invalid senderAccountDigest", nil)
		return
	}
	device, ok := norm.DeviceID(req.SenderDeviceID)
	if !ok {
		writeError(w, r, apierrors.BadRequest, "invalid senderDeviceId", nil)
		return
	}

	max, err := message.MaxCounter(r.Context(), d.Store, convID, digest, device)
	if err != nil {
		writeInternal(w, r, d.Log, "message_max_counter_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"max_counter": max})
}

type atomicSendRequest struct {
	AuthenticatedSenderDigest string          `json:"authenticatedSenderDigest"`
	Message                   messageRequest  `json:"message"`
	Vault                     vaultPutRequest `json:"vault"`
	Backup                    *backupRequest  `json:"backup"`
}

// HandleMessagesAtomicSend implements POST /d1/messages/atomic-send.
func (d *Deps) HandleMessagesAtomicSend(w http.ResponseWriter, r *http.Request) {
	var req atomicSendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, apierrors.BadRequest, "invalid body", nil)
		return
	}
	digest, ok := norm.AccountDigest(req.AuthenticatedSenderDigest)
	if !ok {
		writeError(w, r, apierrors.BadRequest, "invalid authenticatedSenderDigest", nil)
		return
	}
	msgIn, err := req.Message.toInsert()
	if err != nil {
		writeError(w, r, apierrors.BadRequest, "invalid message", nil)
		return
	}
	vaultPut, err := req.Vault.toPut()
	if err != nil {
		writeError(w, r, apierrors.InvalidWrappedPayload, "invalid vault payload", nil)
		return
	}

	var bw *backup.Write
	if req.Backup != nil {
		w2, err := req.Backup.toWrite()
		if err != nil {
			writeError(w, r, apierrors.BadRequest, "invalid backup", nil)
			return
		}
		bw = &w2
	}

	// dedupeKey has no effect on the write itself (atomicsend.Send already
	// derives idempotency from the message id's unique constraint) but ties
	// together log lines from retried client requests for the same send.
	dedupeKey, _ := idempotency.BuildKey(digest, "messages-atomic-send", msgIn.ConversationID, msgIn.ID, msgIn.Counter)

	resp, err := atomicsend.Send(r.Context(), d.Store, atomicsend.Request{
		AuthenticatedSenderDigest: digest,
		Message:                   msgIn,
		Vault:                     vaultPut,
		Backup:                    bw,
	})
	if err != nil {
		var tooLow *message.ErrCounterTooLow
		switch {
		case errors.As(err, &tooLow):
			writeError(w, r, apierrors.CounterTooLow, "counter too low", map[string]any{"maxCounter": tooLow.MaxCounter})
		case errors.Is(err, message.ErrHeaderMismatch):
			writeError(w, r, apierrors.BadRequest, "header mismatch", nil)
		case errors.Is(err, vault.ErrInvalidWrappedPayload):
			writeError(w, r, apierrors.InvalidWrappedPayload, "invalid wrapped payload", nil)
		case errors.Is(err, vault.ErrInvalidWrapContext):
			writeError(w, r, apierrors.InvalidWrapContext, "invalid wrap context", nil)
		case errors.Is(err, atomicsend.ErrIdentifierMismatch):
			writeError(w, r, apierrors.BadRequest, "message and vault identifiers differ", nil)
		case errors.Is(err, atomicsend.ErrBackupSenderMismatch):
			writeError(w, r, apierrors.BadRequest, "backup account does not match sender", nil)
		case errors.Is(err, atomicsend.ErrConflict):
			d.Log.Warn("atomic_send_conflict", map[string]any{"dedupe_key": dedupeKey})
			if d.Metrics != nil {
				d.Metrics.Inc("messages.atomic_send.conflict")
			}
			writeError(w, r, apierrors.Conflict, "message already exists", nil)
		case errors.Is(err, backup.ErrRegression):
			writeError(w, r, apierrors.ContactSecretsBackupReject, "withDrState regression", nil)
		default:
			writeInternal(w, r, d.Log, "atomic_send_failed", err)
		}
		return
	}

	if d.Metrics != nil {
		d.Metrics.Inc("messages.atomic_send.ok")
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":                 true,
		"message_created":    resp.MessageCreated,
		"message_created_at": resp.MessageCreatedAt,
		"backup_version":     resp.BackupVersion,
	})
}

type sendStateRequest struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	ViewerDigest   string `json:"viewerAccountDigest"`
	State          string `json:"state"`
}

// HandleMessagesSendState implements POST /d1/messages/send-state.
func (d *Deps) HandleMessagesSendState(w http.ResponseWriter, r *http.Request) {
	var req sendStateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, apierrors.BadRequest, "invalid body", nil)
		return
	}
	convID, ok := norm.ConversationID(req.ConversationID)
	if !ok {
		writeError(w, r, apierrors.BadRequest, "invalid conversationId", nil)
		return
	}
	msgID, ok := norm.MessageID(req.MessageID)
	if !ok {
		writeError(w, r, apierrors.BadRequest, "invalid messageId", nil)
		return
	}
	viewerDigest, ok := norm.AccountDigest(req.ViewerDigest)
	if !ok {
		writeError(w, r, apierrors.BadRequest, "invalid viewerAccountDigest", nil)
		return
	}

	row, err := messagestatus.SetState(r.Context(), d.Store, msgID, convID, viewerDigest, messagestatus.State(req.State))
	if err != nil {
		if errors.Is(err, messagestatus.ErrUnknownState) {
			writeError(w, r, apierrors.BadRequest, "unknown state", nil)
			return
		}
		writeInternal(w, r, d.Log, "message_send_state_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message_id": row.MessageID,
		"state":      row.State,
		"updated_at": row.UpdatedAt,
	})
}

// HandleMessagesOutgoingStatus implements GET /d1/messages/outgoing-status?messageId=....
func (d *Deps) HandleMessagesOutgoingStatus(w http.ResponseWriter, r *http.Request) {
	msgID, ok := norm.MessageID(r.URL.Query().Get("messageId"))
	if !ok {
		writeError(w, r, apierrors.BadRequest, "invalid messageId", nil)
		return
	}
	rows, err := messagestatus.OutgoingStatus(r.Context(), d.Store, msgID)
	if err != nil {
		writeInternal(w, r, d.Log, "message_outgoing_status_failed", err)
		return
	}
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, map[string]any{
			"viewer_account_digest": row.ViewerDigest,
			"state":                 row.State,
			"updated_at":            row.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"statuses": out})
}

// HandleMessagesDelete implements POST /d1/messages/delete. The legacy
// `messages` table is never written by this server; per
// that open question's decision, deletes against it are accepted as no-ops.
func (d *Deps) HandleMessagesDelete(w http.ResponseWriter, r *http.Request) {
	if err := decodeJSON(r, &struct{}{}); err != nil {
		writeError(w, r, apierrors.BadRequest, "invalid body", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "removed": 0})
}

// HandleMessagesDeleteConversation implements POST /d1/messages/secure/delete-conversation.
func (d *Deps) HandleMessagesDeleteConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConversationID string `json:"conversationId"`
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
	if err := message.DeleteConversation(r.Context(), d.Store, convID); err != nil {
		writeInternal(w, r, d.Log, "message_delete_conversation_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// HandleDeletionCursor implements POST /d1/deletion/cursor.
func (d *Deps) HandleDeletionCursor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConversationID string `json:"conversationId"`
		AccountDigest  string `json:"accountDigest"`
		MinCounter     int64  `json:"minCounter"`
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
	if err := deletion.AdvanceCursor(r.Context(), d.Store, convID, digest, req.MinCounter); err != nil {
		writeInternal(w, r, d.Log, "deletion_cursor_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// HandleDeletionLogAppend implements POST /d1/deletion/log.
func (d *Deps) HandleDeletionLogAppend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerDigest          string `json:"ownerDigest"`
		ConversationID       string `json:"conversationId"`
		EncryptedCheckpoint  string `json:"encryptedCheckpoint"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, apierrors.BadRequest, "invalid body", nil)
		return
	}
	digest, ok := norm.AccountDigest(req.OwnerDigest)
	if !ok {
		writeError(w, r, apierrors.BadRequest, "invalid ownerDigest", nil)
		return
	}
	convID, ok := norm.ConversationID(req.ConversationID)
	if !ok || req.EncryptedCheckpoint == "" {
		writeError(w, r, apierrors.BadRequest, "invalid field", nil)
		return
	}

	id, err := deletion.AppendLog(r.Context(), d.Store, digest, convID, req.EncryptedCheckpoint)
	if err != nil {
		writeInternal(w, r, d.Log, "deletion_log_append_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}

// HandleDeletionLogList implements GET /d1/deletion/log?ownerDigest=...&conversationId=....
func (d *Deps) HandleDeletionLogList(w http.ResponseWriter, r *http.Request) {
	digest, ok := norm.AccountDigest(r.URL.Query().Get("ownerDigest"))
	if !ok {
		writeError(w, r, apierrors.BadRequest, "invalid ownerDigest", nil)
		return
	}
	convID, ok := norm.ConversationID(r.URL.Query().Get("conversationId"))
	if !ok {
		writeError(w, r, apierrors.BadRequest, "invalid conversationId", nil)
		return
	}

	entries, err := deletion.ListLog(r.Context(), d.Store, digest, convID)
	if err != nil {
		writeInternal(w, r, d.Log, "deletion_log_list_failed", err)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"id":                   e.ID,
			"conversation_id":      e.ConversationID,
			"encrypted_checkpoint": e.EncryptedCheckpoint,
			"created_at":           e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}
