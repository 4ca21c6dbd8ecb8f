// Package storage is the local persistence layer of the daemon.
//
// It provides:
//   - a namespaced key/value space (watermark:{id}, notif_prefs:{id},
//     notifications:{id}, push_permission:{id})
//   - the audit log of privileged operations
//   - optional delivery dedup state that survives restarts
package storage
