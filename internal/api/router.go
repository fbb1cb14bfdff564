package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sentry-messenger/d1plane/pkg/telemetry"
)

// NewRouter builds the full d1plane route table from endpoint
// surface, one gorilla/mux handler per operation.
func NewRouter(d *Deps) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", telemetry.HealthHandler("d1plane", []telemetry.Check{
		{Name: "db_ping", Run: func(ctx context.Context) error { return d.Store.Ping(ctx) }},
		{Name: "schema_ready", Run: func(ctx context.Context) error { return d.Store.CheckReadiness(ctx) }},
	})).Methods(http.MethodGet)
	r.HandleFunc("/d1/metrics", d.HandleMetrics).Methods(http.MethodGet)

	// Tags / MK.
	r.HandleFunc("/d1/tags/exchange", d.HandleTagsExchange).Methods(http.MethodPost)
	r.HandleFunc("/d1/tags/store-mk", d.HandleTagsStoreMK).Methods(http.MethodPost)
	r.HandleFunc("/d1/devkeys/fetch", d.HandleDevkeysFetch()).Methods(http.MethodGet)
	r.HandleFunc("/d1/devkeys/store", d.HandleDevkeysStore()).Methods(http.MethodPost)
	r.HandleFunc("/d1/opaque/store", d.HandleOpaqueStore()).Methods(http.MethodPost)
	r.HandleFunc("/d1/opaque/fetch", d.HandleOpaqueFetch()).Methods(http.MethodGet)

	// Invites.
	r.HandleFunc("/d1/invites/create", d.HandleInviteCreate).Methods(http.MethodPost)
	r.HandleFunc("/d1/invites/deliver", d.HandleInviteDeliver).Methods(http.MethodPost)
	r.HandleFunc("/d1/invites/consume", d.HandleInviteConsume).Methods(http.MethodPost)
	r.HandleFunc("/d1/invites/status", d.HandleInviteStatus).Methods(http.MethodGet)

	// Friends.
	r.HandleFunc("/d1/friends/contact-delete", d.HandleFriendsContactDelete).Methods(http.MethodPost)

	// Prekeys.
	r.HandleFunc("/d1/prekeys/publish", d.HandlePrekeysPublish).Methods(http.MethodPost)
	r.HandleFunc("/d1/prekeys/bundle", d.HandlePrekeysBundle).Methods(http.MethodGet)

	// Messages.
	r.HandleFunc("/d1/messages/atomic-send", d.HandleMessagesAtomicSend).Methods(http.MethodPost)
	r.HandleFunc("/d1/messages/send-state", d.HandleMessagesSendState).Methods(http.MethodPost)
	r.HandleFunc("/d1/messages/outgoing-status", d.HandleMessagesOutgoingStatus).Methods(http.MethodGet)
	r.HandleFunc("/d1/messages/secure/max-counter", d.HandleMessagesMaxCounter).Methods(http.MethodPost)
	r.HandleFunc("/d1/messages/by-counter", d.HandleMessagesByCounter).Methods(http.MethodGet)
	r.HandleFunc("/d1/messages/secure/delete-conversation", d.HandleMessagesDeleteConversation).Methods(http.MethodPost)
	r.HandleFunc("/d1/messages/delete", d.HandleMessagesDelete).Methods(http.MethodPost)
	r.HandleFunc("/d1/messages", d.HandleMessagesAppend).Methods(http.MethodPost)
	r.HandleFunc("/d1/messages", d.HandleMessagesList).Methods(http.MethodGet)

	r.HandleFunc("/d1/deletion/cursor", d.HandleDeletionCursor).Methods(http.MethodPost)
	r.HandleFunc("/d1/deletion/log", d.HandleDeletionLogAppend).Methods(http.MethodPost)
	r.HandleFunc("/d1/deletion/log", d.HandleDeletionLogList).Methods(http.MethodGet)

	// Contact secrets.
	r.HandleFunc("/d1/contact-secrets/backup", d.HandleContactSecretsBackup).Methods(http.MethodPost)
	r.HandleFunc("/d1/contact-secrets/backup", d.HandleContactSecretsBackupList).Methods(http.MethodGet)

	// Message-Key Vault.
	r.HandleFunc("/d1/message-key-vault/put", d.HandleVaultPut).Methods(http.MethodPost)
	r.HandleFunc("/d1/message-key-vault/get", d.HandleVaultGet).Methods(http.MethodPost)
	r.HandleFunc("/d1/message-key-vault/latest-state", d.HandleVaultLatestState).Methods(http.MethodPost)
	r.HandleFunc("/d1/message-key-vault/delete", d.HandleVaultDelete).Methods(http.MethodPost)
	r.HandleFunc("/d1/message-key-vault/count", d.HandleVaultCount).Methods(http.MethodPost)

	// Groups.
	r.HandleFunc("/d1/groups/create", d.HandleGroupsCreate).Methods(http.MethodPost)
	r.HandleFunc("/d1/groups/members/add", d.HandleGroupsMembersAdd).Methods(http.MethodPost)
	r.HandleFunc("/d1/groups/members/remove", d.HandleGroupsMembersRemove).Methods(http.MethodPost)
	r.HandleFunc("/d1/groups/get", d.HandleGroupsGet).Methods(http.MethodGet)

	// Misc.
	r.HandleFunc("/d1/media/usage", d.HandleMediaUsage).Methods(http.MethodPost)
	r.HandleFunc("/d1/media/usage", d.HandleMediaUsageList).Methods(http.MethodGet)
	r.HandleFunc("/d1/conversations/authorize", d.HandleConversationsAuthorize).Methods(http.MethodPost)
	r.HandleFunc("/d1/subscription/redeem", d.HandleSubscriptionRedeem).Methods(http.MethodPost)
	r.HandleFunc("/d1/subscription/status", d.HandleSubscriptionStatus).Methods(http.MethodGet)
	r.HandleFunc("/d1/subscription/token-status", d.HandleTokenStatus).Methods(http.MethodGet)
	r.HandleFunc("/d1/devices/upsert", d.HandleDevicesUpsert).Methods(http.MethodPost)
	r.HandleFunc("/d1/devices/check", d.HandleDevicesCheck).Methods(http.MethodGet)
	r.HandleFunc("/d1/devices/active", d.HandleDevicesActive).Methods(http.MethodGet)
	r.HandleFunc("/d1/calls/session", d.HandleCallsSession).Methods(http.MethodPost, http.MethodGet)
	r.HandleFunc("/d1/calls/events", d.HandleCallsEvents).Methods(http.MethodPost, http.MethodGet)
	r.HandleFunc("/d1/contacts/upsert", d.HandleContactsUpsert).Methods(http.MethodPost)
	r.HandleFunc("/d1/contacts/snapshot", d.HandleContactsSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/d1/account/evidence", d.HandleAccountEvidence).Methods(http.MethodGet)
	r.HandleFunc("/d1/accounts/verify", d.HandleAccountsVerify).Methods(http.MethodPost)
	r.HandleFunc("/d1/accounts/created", d.HandleAccountsCreated).Methods(http.MethodGet)
	r.HandleFunc("/d1/accounts/purge", d.HandleAccountsPurge).Methods(http.MethodPost)

	return r
}

// HandleMetrics exposes the process's in-memory operational counters.
func (d *Deps) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	if d.Metrics == nil {
		writeJSON(w, http.StatusOK, map[string]any{"counters": map[string]int64{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counters": d.Metrics.Snapshot()})
}
