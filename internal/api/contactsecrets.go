package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sentry-messenger/d1plane/internal/domain/backup"
	"github.com/sentry-messenger/d1plane/internal/norm"
	apierrors "github.com/sentry-messenger/d1plane/pkg/errors"
)

type backupRequest struct {
	AccountDigest   string          `json:"accountDigest"`
	Version         int64           `json:"version"`
	PayloadJSON     json.RawMessage `json:"payloadJson"`
	SnapshotVersion *int64          `json:"snapshotVersion"`
	Entries         *int64          `json:"entries"`
	Checksum        string          `json:"checksum"`
	Bytes           *int64          `json:"bytes"`
	DeviceLabel     string          `json:"deviceLabel"`
	DeviceID        string          `json:"deviceId"`
}

func (req backupRequest) toWrite() (backup.Write, error) {
	accountDigest, ok := norm.AccountDigest(req.AccountDigest)
	if !ok {
		return backup.Write{}, errBadField
	}
	if len(req.PayloadJSON) == 0 {
		return backup.Write{}, errBadField
	}
	deviceID := req.DeviceID
	if deviceID != "" {
		d, ok := norm.DeviceID(deviceID)
		if !ok {
			return backup.Write{}, errBadField
		}
		deviceID = d
	}

	return backup.Write{
		AccountDigest:   accountDigest,
		Version:         req.Version,
		PayloadJSON:     string(req.PayloadJSON),
		SnapshotVersion: req.SnapshotVersion,
		Entries:         req.Entries,
		Checksum:        req.Checksum,
		Bytes:           req.Bytes,
		DeviceLabel:     req.DeviceLabel,
		DeviceID:        deviceID,
	}, nil
}

// HandleContactSecretsBackup implements POST /d1/contact-secrets/backup
//.
func (d *Deps) HandleContactSecretsBackup(w http.ResponseWriter, r *http.Request) {
	var req backupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, apierrors.BadRequest, "invalid body", nil)
		return
	}
	wr, err := req.toWrite()
	if err != nil {
		writeError(w, r, apierrors.BadRequest, "invalid field", nil)
		return
	}
	row, err := backup.Put(r.Context(), d.Store, wr)
	if err != nil {
		if errors.Is(err, backup.ErrRegression) {
			writeError(w, r, apierrors.ContactSecretsBackupReject, "withDrState regression", nil)
			return
		}
		writeInternal(w, r, d.Log, "backup_put_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, backupRowJSON(row))
}

// HandleContactSecretsBackupList implements GET /d1/contact-secrets/backup —
// either a bounded history (limit) or a single version (version=N).
func (d *Deps) HandleContactSecretsBackupList(w http.ResponseWriter, r *http.Request) {
	accountDigest, ok := norm.AccountDigest(r.URL.Query().Get("accountDigest"))
	if !ok {
		writeError(w, r, apierrors.BadRequest, "invalid accountDigest", nil)
		return
	}

	if v := r.URL.Query().Get("version"); v != "" {
		version := queryInt64(r, "version", 0)
		row, found, err := backup.ByVersion(r.Context(), d.Store, accountDigest, version)
		if err != nil {
			writeInternal(w, r, d.Log, "backup_by_version_failed", err)
			return
		}
		if !found {
			writeError(w, r, apierrors.NotFound, "backup version not found", nil)
			return
		}
		writeJSON(w, http.StatusOK, backupRowJSON(row))
		return
	}

	limit := queryInt(r, "limit", backup.RetainN)
	rows, err := backup.List(r.Context(), d.Store, accountDigest, limit)
	if err != nil {
		writeInternal(w, r, d.Log, "backup_list_failed", err)
		return
	}
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, backupRowJSON(row))
	}
	writeJSON(w, http.StatusOK, map[string]any{"backups": out})
}

func backupRowJSON(row backup.Row) map[string]any {
	out := map[string]any{
		"id":             row.ID,
		"account_digest": row.AccountDigest,
		"version":        row.Version,
		"payload_json":   json.RawMessage(row.PayloadJSON),
		"updated_at":     row.UpdatedAt,
		"created_at":     row.CreatedAt,
	}
	if row.SnapshotVersion.Valid {
		out["snapshot_version"] = row.SnapshotVersion.Int64
	}
	if row.Entries.Valid {
		out["entries"] = row.Entries.Int64
	}
	if row.Checksum.Valid {
		out["checksum"] = row.Checksum.String
	}
	if row.Bytes.Valid {
		out["bytes"] = row.Bytes.Int64
	}
	if row.DeviceLabel.Valid {
		out["device_label"] = row.DeviceLabel.String
	}
	if row.DeviceID.Valid {
		out["device_id"] = row.DeviceID.String
	}
	return out
}
