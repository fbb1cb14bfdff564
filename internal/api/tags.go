package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sentry-messenger/d1plane/internal/domain/account"
	"github.com/sentry-messenger/d1plane/internal/domain/opaque"
	"github.com/sentry-messenger/d1plane/internal/norm"
	apierrors "github.com/sentry-messenger/d1plane/pkg/errors"
)

type exchangeRequest struct {
	UIDHex        string `json:"uidHex"`
	AccountToken  string `json:"accountToken"`
	AccountDigest string `json:"accountDigest"`
	Ctr           int64  `json:"ctr"`
}

type exchangeResponse struct {
	HasMK         bool   `json:"hasMK"`
	AccountToken  string `json:"account_token"`
	AccountDigest string `json:"account_digest"`
	UIDDigest     string `json:"uid_digest"`
	NewlyCreated  bool   `json:"newly_created"`
	LastCtr       int64  `json:"last_ctr"`
}

// HandleTagsExchange implements POST /d1/tags/exchange.
func (d *Deps) HandleTagsExchange(w http.ResponseWriter, r *http.Request) {
	var req exchangeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, apierrors.BadRequest, "invalid body", nil)
		return
	}
	if req.UIDHex == "" && req.AccountDigest == "" && req.AccountToken == "" {
		writeError(w, r, apierrors.BadRequest, "one of uidHex, accountToken, accountDigest is required", nil)
		return
	}
	if req.UIDHex != "" {
		if _, ok := norm.UID(req.UIDHex); !ok {
			writeError(w, r, apierrors.BadRequest, "invalid uidHex", nil)
			return
		}
	}

	acc, created, err := d.Account.Resolve(r.Context(), req.UIDHex, req.AccountToken, req.AccountDigest, true)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			writeError(w, r, apierrors.NotFound, "account not found", nil)
			return
		}
		writeInternal(w, r, d.Log, "tags_exchange_resolve_failed", err)
		return
	}

	if err := d.Account.CheckAndAdvance(r.Context(), acc.AccountDigest, req.Ctr, created); err != nil {
		if errors.Is(err, account.ErrReplay) {
			writeError(w, r, apierrors.Replay, "replay", map[string]any{"lastCtr": acc.LastCtr})
			return
		}
		writeInternal(w, r, d.Log, "tags_exchange_advance_failed", err)
		return
	}

	lastCtr := req.Ctr
	if created {
		lastCtr = req.Ctr
	}
	writeJSON(w, http.StatusOK, exchangeResponse{
		HasMK:         acc.WrappedMKJSON.Valid && acc.WrappedMKJSON.String != "",
		AccountToken:  acc.AccountToken,
		AccountDigest: acc.AccountDigest,
		UIDDigest:     acc.UIDDigest,
		NewlyCreated:  created,
		LastCtr:       lastCtr,
	})
}

type storeMKRequest struct {
	AccountDigest string `json:"accountDigest"`
	WrappedMKJSON string `json:"wrappedMkJson"`
}

// HandleTagsStoreMK implements POST /d1/tags/store-mk.
func (d *Deps) HandleTagsStoreMK(w http.ResponseWriter, r *http.Request) {
	var req storeMKRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, apierrors.BadRequest, "invalid body", nil)
		return
	}
	digest, ok := norm.AccountDigest(req.AccountDigest)
	if !ok || req.WrappedMKJSON == "" {
		writeError(w, r, apierrors.BadRequest, "invalid accountDigest or wrappedMkJson", nil)
		return
	}
	if err := d.Account.SetWrappedMK(r.Context(), digest, req.WrappedMKJSON); err != nil {
		writeInternal(w, r, d.Log, "tags_store_mk_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type blobRequest struct {
	AccountDigest string          `json:"accountDigest"`
	Blob          json.RawMessage `json:"blob"`
}

func (d *Deps) handleBlobStore(kind opaque.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req blobRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, apierrors.BadRequest, "invalid body", nil)
			return
		}
		digest, ok := norm.AccountDigest(req.AccountDigest)
		if !ok || len(req.Blob) == 0 {
			writeError(w, r, apierrors.BadRequest, "invalid accountDigest or blob", nil)
			return
		}
		if err := opaque.Store(r.Context(), d.Store, digest, kind, string(req.Blob)); err != nil {
			writeInternal(w, r, d.Log, "blob_store_failed", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func (d *Deps) handleBlobFetch(kind opaque.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		digest, ok := norm.AccountDigest(r.URL.Query().Get("accountDigest"))
		if !ok {
			writeError(w, r, apierrors.BadRequest, "invalid accountDigest", nil)
			return
		}
		blob, found, err := opaque.Fetch(r.Context(), d.Store, digest, kind)
		if err != nil {
			writeInternal(w, r, d.Log, "blob_fetch_failed", err)
			return
		}
		if !found {
			writeError(w, r, apierrors.NotFound, "not found", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"blob": json.RawMessage(blob)})
	}
}

// HandleDevkeysStore implements POST /d1/devkeys/store.
func (d *Deps) HandleDevkeysStore() http.HandlerFunc { return d.handleBlobStore(opaque.KindDeviceKeys) }

// HandleDevkeysFetch implements GET /d1/devkeys/fetch.
func (d *Deps) HandleDevkeysFetch() http.HandlerFunc { return d.handleBlobFetch(opaque.KindDeviceKeys) }

// HandleOpaqueStore implements POST /d1/opaque/store.
func (d *Deps) HandleOpaqueStore() http.HandlerFunc { return d.handleBlobStore(opaque.KindOpaqueRecord) }

// HandleOpaqueFetch implements GET /d1/opaque/fetch.
func (d *Deps) HandleOpaqueFetch() http.HandlerFunc { return d.handleBlobFetch(opaque.KindOpaqueRecord) }
