package api

import (
	"errors"
	"net/http"

	"github.com/sentry-messenger/d1plane/internal/domain/prekey"
	"github.com/sentry-messenger/d1plane/internal/norm"
	apierrors "github.com/sentry-messenger/d1plane/pkg/errors"
)

type opkInput struct {
	ID  int64  `json:"id"`
	Pub string `json:"pub"`
}

type publishRequest struct {
	AccountDigest string     `json:"accountDigest"`
	DeviceID      string     `json:"deviceId"`
	SPKID         int64      `json:"spkId"`
	SPKPub        string     `json:"spkPub"`
	SPKSig        string     `json:"spkSig"`
	IKPub         string     `json:"ikPub"`
	OPKs          []opkInput `json:"opks"`
}

// HandlePrekeysPublish implements POST /d1/prekeys/publish.
func (d *Deps) HandlePrekeysPublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
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
	if !ok || req.SPKPub == "" || req.SPKSig == "" || req.IKPub == "" {
		writeError(w, r, apierrors.BadRequest, "invalid field", nil)
		return
	}

	opks := make([]prekey.OneTimePrekey, 0, len(req.OPKs))
	for _, o := range req.OPKs {
		opks = append(opks, prekey.OneTimePrekey{ID: o.ID, Pub: o.Pub})
	}

	nextOPKID, err := d.Prekey.Publish(r.Context(), prekey.PublishInput{
		AccountDigest: digest,
		DeviceID:      deviceID,
		SPKID:         req.SPKID,
		SPKPub:        req.SPKPub,
		SPKSig:        req.SPKSig,
		IKPub:         req.IKPub,
		OPKs:          opks,
	})
	if err != nil {
		if errors.Is(err, prekey.ErrInvalidSignature) {
			writeError(w, r, apierrors.BadRequest, "signed prekey signature does not verify", nil)
			return
		}
		writeInternal(w, r, d.Log, "prekey_publish_failed", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"next_opk_id": nextOPKID})
}

// HandlePrekeysBundle implements GET /d1/prekeys/bundle?peerAccountDigest=...[&peerDeviceId=...].
func (d *Deps) HandlePrekeysBundle(w http.ResponseWriter, r *http.Request) {
	digest, ok := norm.AccountDigest(r.URL.Query().Get("peerAccountDigest"))
	if !ok {
		writeError(w, r, apierrors.BadRequest, "invalid peerAccountDigest", nil)
		return
	}
	deviceID := r.URL.Query().Get("peerDeviceId")

	bundle, err := d.Prekey.Fetch(r.Context(), digest, deviceID)
	if err != nil {
		if errors.Is(err, prekey.ErrUnavailable) {
			writeError(w, r, apierrors.PrekeyUnavailable, "no prekey bundle available", nil)
			return
		}
		writeInternal(w, r, d.Log, "prekey_bundle_failed", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": bundle.DeviceID,
		"ik_pub":    bundle.IKPub,
		"spk_id":    bundle.SPKID,
		"spk_pub":   bundle.SPKPub,
		"spk_sig":   bundle.SPKSig,
		"opk_id":    bundle.OPKID,
		"opk_pub":   bundle.OPKPub,
	})
}
