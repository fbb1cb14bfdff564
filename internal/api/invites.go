package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/sentry-messenger/d1plane/internal/domain/invite"
	"github.com/sentry-messenger/d1plane/internal/norm"
	apierrors "github.com/sentry-messenger/d1plane/pkg/errors"
)

type inviteCreateRequest struct {
	InviteID           string `json:"inviteId"`
	OwnerAccountDigest string `json:"ownerAccountDigest"`
	OwnerDeviceID      string `json:"ownerDeviceId"`
	OwnerPublicKeyB64  string `json:"ownerPublicKeyB64"`
}

var inviteCreateKeys = []string{"inviteId", "ownerAccountDigest", "ownerDeviceId", "ownerPublicKeyB64"}

// HandleInviteCreate implements POST /d1/invites/create.
func (d *Deps) HandleInviteCreate(w http.ResponseWriter, r *http.Request) {
	var req inviteCreateRequest
	if err := decodeExact(r, &req, inviteCreateKeys...); err != nil {
		writeError(w, r, apierrors.InviteSchemaMismatch, "unknown or missing field", nil)
		return
	}
	digest, ok := norm.AccountDigest(req.OwnerAccountDigest)
	if !ok {
		writeError(w, r, apierrors.BadRequest, "invalid ownerAccountDigest", nil)
		return
	}
	deviceID, ok := norm.DeviceID(req.OwnerDeviceID)
	if !ok || req.InviteID == "" || req.OwnerPublicKeyB64 == "" {
		writeError(w, r, apierrors.BadRequest, "invalid field", nil)
		return
	}

	row, opkID, opkPub, err := invite.Create(r.Context(), d.Store, d.Prekey, req.InviteID, digest, deviceID, req.OwnerPublicKeyB64, time.Now())
	if err != nil {
		switch {
		case errors.Is(err, invite.ErrAlreadyExists):
			writeError(w, r, apierrors.InviteAlreadyExists, "invite already exists", nil)
		case errors.Is(err, invite.ErrEnvelopeInvalid):
			writeError(w, r, apierrors.InviteEnvelopeInvalid, "owner public key does not match signed prekey", nil)
		case errors.Is(err, invite.ErrNoOPKAvailable):
			writeError(w, r, apierrors.PrekeyUnavailable, "no one-time prekey available", nil)
		default:
			writeInternal(w, r, d.Log, "invite_create_failed", err)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"invite_id":  row.InviteID,
		"expires_at": row.ExpiresAt,
		"status":     row.Status,
		"opk_id":     opkID,
		"opk_pub":    opkPub,
	})
}

type inviteDeliverRequest struct {
	InviteID      string          `json:"inviteId"`
	Envelope      json.RawMessage `json:"envelope"`
	GuestAccount  string          `json:"guestAccountDigest"`
	GuestDeviceID string          `json:"guestDeviceId"`
}

var inviteDeliverKeys = []string{"inviteId", "envelope", "guestAccountDigest", "guestDeviceId"}

// HandleInviteDeliver implements POST /d1/invites/deliver.
func (d *Deps) HandleInviteDeliver(w http.ResponseWriter, r *http.Request) {
	var req inviteDeliverRequest
	if err := decodeExact(r, &req, inviteDeliverKeys...); err != nil {
		writeError(w, r, apierrors.InviteSchemaMismatch, "unknown or missing field", nil)
		return
	}
	guestDigest, ok := norm.AccountDigest(req.GuestAccount)
	if !ok {
		writeError(w, r, apierrors.BadRequest, "invalid guestAccountDigest", nil)
		return
	}
	guestDeviceID, ok := norm.DeviceID(req.GuestDeviceID)
	if !ok || req.InviteID == "" {
		writeError(w, r, apierrors.BadRequest, "invalid field", nil)
		return
	}

	env, rawJSON, err := invite.DecodeEnvelope(req.Envelope)
	if err != nil {
		writeError(w, r, apierrors.InviteEnvelopeInvalid, "envelope invalid", nil)
		return
	}

	row, err := invite.Deliver(r.Context(), d.Store, req.InviteID, env, rawJSON, guestDigest, guestDeviceID, time.Now())
	if err != nil {
		switch {
		case errors.Is(err, invite.ErrNotFound):
			writeError(w, r, apierrors.NotFound, "invite not found", nil)
		case errors.Is(err, invite.ErrExpired):
			writeError(w, r, apierrors.Expired, "invite expired", nil)
		case errors.Is(err, invite.ErrAlreadyDelivered):
			writeError(w, r, apierrors.InviteAlreadyDelivered, "invite already delivered", nil)
		case errors.Is(err, invite.ErrEnvelopeInvalid):
			writeError(w, r, apierrors.InviteEnvelopeInvalid, "envelope invalid", nil)
		default:
			writeInternal(w, r, d.Log, "invite_deliver_failed", err)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"invite_id": row.InviteID,
		"status":    row.Status,
	})
}

type inviteConsumeRequest struct {
	InviteID           string `json:"inviteId"`
	OwnerAccountDigest string `json:"ownerAccountDigest"`
}

var inviteConsumeKeys = []string{"inviteId", "ownerAccountDigest"}

// HandleInviteConsume implements POST /d1/invites/consume.
func (d *Deps) HandleInviteConsume(w http.ResponseWriter, r *http.Request) {
	var req inviteConsumeRequest
	if err := decodeExact(r, &req, inviteConsumeKeys...); err != nil {
		writeError(w, r, apierrors.InviteSchemaMismatch, "unknown or missing field", nil)
		return
	}
	digest, ok := norm.AccountDigest(req.OwnerAccountDigest)
	if !ok || req.InviteID == "" {
		writeError(w, r, apierrors.BadRequest, "invalid field", nil)
		return
	}

	row, err := invite.Consume(r.Context(), d.Store, req.InviteID, digest, time.Now())
	if err != nil {
		switch {
		case errors.Is(err, invite.ErrNotFound):
			writeError(w, r, apierrors.NotFound, "invite not found or not yet delivered", nil)
		case errors.Is(err, invite.ErrForbidden):
			writeError(w, r, apierrors.AuthForbidden, "not the invite owner", nil)
		case errors.Is(err, invite.ErrExpired):
			writeError(w, r, apierrors.Expired, "invite expired", nil)
		default:
			writeInternal(w, r, d.Log, "invite_consume_failed", err)
		}
		return
	}

	resp := map[string]any{"invite_id": row.InviteID, "status": row.Status}
	if row.CiphertextJSON.Valid {
		resp["envelope"] = json.RawMessage(row.CiphertextJSON.String)
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleInviteStatus implements GET /d1/invites/status?inviteId=...&requesterAccountDigest=....
func (d *Deps) HandleInviteStatus(w http.ResponseWriter, r *http.Request) {
	inviteID := r.URL.Query().Get("inviteId")
	digest, ok := norm.AccountDigest(r.URL.Query().Get("requesterAccountDigest"))
	if !ok || inviteID == "" {
		writeError(w, r, apierrors.BadRequest, "invalid field", nil)
		return
	}

	row, err := invite.StatusFor(r.Context(), d.Store, inviteID, digest, time.Now())
	if err != nil {
		switch {
		case errors.Is(err, invite.ErrNotFound):
			writeError(w, r, apierrors.NotFound, "invite not found", nil)
		case errors.Is(err, invite.ErrForbidden):
			writeError(w, r, apierrors.AuthForbidden, "not a party to this invite", nil)
		default:
			writeInternal(w, r, d.Log, "invite_status_failed", err)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"invite_id":  row.InviteID,
		"status":     row.Status,
		"expires_at": row.ExpiresAt,
	})
}
