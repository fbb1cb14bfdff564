package api

import (
	"errors"
	"net/http"

	"github.com/sentry-messenger/d1plane/internal/domain/group"
	"github.com/sentry-messenger/d1plane/internal/norm"
	apierrors "github.com/sentry-messenger/d1plane/pkg/errors"
)

// HandleGroupsCreate implements POST /d1/groups/create.
func (d *Deps) HandleGroupsCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GroupID       string `json:"groupId"`
		CreatorDigest string `json:"creatorAccountDigest"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, apierrors.BadRequest, "invalid body", nil)
		return
	}
	groupID, ok := norm.ConversationID(req.GroupID)
	if !ok {
		writeError(w, r, apierrors.BadRequest, "invalid groupId", nil)
		return
	}
	creator, ok := norm.AccountDigest(req.CreatorDigest)
	if !ok {
		writeError(w, r, apierrors.BadRequest, "invalid creatorAccountDigest", nil)
		return
	}

	if err := group.Create(r.Context(), d.Store, groupID, creator); err != nil {
		if errors.Is(err, group.ErrAlreadyExists) {
			writeError(w, r, apierrors.Conflict, "group already exists", nil)
			return
		}
		writeInternal(w, r, d.Log, "group_create_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// HandleGroupsMembersAdd implements POST /d1/groups/members/add.
func (d *Deps) HandleGroupsMembersAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GroupID       string `json:"groupId"`
		AccountDigest string `json:"accountDigest"`
		DeviceID      string `json:"deviceId"`
		Role          string `json:"role"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, apierrors.BadRequest, "invalid body", nil)
		return
	}
	groupID, ok := norm.ConversationID(req.GroupID)
	if !ok {
		writeError(w, r, apierrors.BadRequest, "invalid groupId", nil)
		return
	}
	digest, ok := norm.AccountDigest(req.AccountDigest)
	if !ok {
		writeError(w, r, apierrors.BadRequest, "invalid accountDigest", nil)
		return
	}
	deviceID := req.DeviceID
	if deviceID != "" {
		d2, ok := norm.DeviceID(deviceID)
		if !ok {
			writeError(w, r, apierrors.BadRequest, "invalid deviceId", nil)
			return
		}
		deviceID = d2
	}

	if err := group.AddMember(r.Context(), d.Store, groupID, digest, deviceID, req.Role); err != nil {
		writeInternal(w, r, d.Log, "group_add_member_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// HandleGroupsMembersRemove implements POST /d1/groups/members/remove.
func (d *Deps) HandleGroupsMembersRemove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GroupID       string `json:"groupId"`
		AccountDigest string `json:"accountDigest"`
		DeviceID      string `json:"deviceId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, apierrors.BadRequest, "invalid body", nil)
		return
	}
	groupID, ok := norm.ConversationID(req.GroupID)
	if !ok {
		writeError(w, r, apierrors.BadRequest, "invalid groupId", nil)
		return
	}
	digest, ok := norm.AccountDigest(req.AccountDigest)
	if !ok {
		writeError(w, r, apierrors.BadRequest, "invalid accountDigest", nil)
		return
	}

	if err := group.RemoveMember(r.Context(), d.Store, groupID, digest, req.DeviceID); err != nil {
		writeInternal(w, r, d.Log, "group_remove_member_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// HandleGroupsGet implements GET /d1/groups/get?groupId=....
func (d *Deps) HandleGroupsGet(w http.ResponseWriter, r *http.Request) {
	groupID, ok := norm.ConversationID(r.URL.Query().Get("groupId"))
	if !ok {
		writeError(w, r, apierrors.BadRequest, "invalid groupId", nil)
		return
	}
	members, found, err := group.Get(r.Context(), d.Store, groupID)
	if err != nil {
		writeInternal(w, r, d.Log, "group_get_failed", err)
		return
	}
	if !found {
		writeError(w, r, apierrors.NotFound, "group not found", nil)
		return
	}
	out := make([]map[string]any, 0, len(members))
	for _, m := range members {
		out = append(out, map[string]any{
			"account_digest": m.AccountDigest,
			"device_id":      m.DeviceID,
			"role":           m.Role,
			"updated_at":     m.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"group_id": groupID, "members": out})
}
