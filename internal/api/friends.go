package api

import (
	"net/http"

	"github.com/sentry-messenger/d1plane/internal/domain/contact"
	"github.com/sentry-messenger/d1plane/internal/norm"
	apierrors "github.com/sentry-messenger/d1plane/pkg/errors"
)

type contactDeleteRequest struct {
	OwnerAccountDigest   string `json:"ownerAccountDigest"`
	ContactAccountDigest string `json:"contactAccountDigest"`
}

// HandleFriendsContactDelete implements POST /d1/friends/contact-delete
//.
func (d *Deps) HandleFriendsContactDelete(w http.ResponseWriter, r *http.Request) {
	var req contactDeleteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, apierrors.BadRequest, "invalid body", nil)
		return
	}
	owner, ok1 := norm.AccountDigest(req.OwnerAccountDigest)
	peer, ok2 := norm.AccountDigest(req.ContactAccountDigest)
	if !ok1 || !ok2 {
		writeError(w, r, apierrors.BadRequest, "invalid accountDigest", nil)
		return
	}

	n, err := contact.DeleteContactACL(r.Context(), d.Store, owner, peer)
	if err != nil {
		writeInternal(w, r, d.Log, "contact_delete_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": n})
}
