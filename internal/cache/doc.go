// Package cache provides named cache generations ("storages" holding "caches")
// that keep response snapshots keyed by request URL. Two backends are available:
// a disk layout of StoragePath/<generation>/<hash>.{meta,body} written with
// temp file + rename, and a single SQLite database. Higher layers (the worker)
// only depend on the Storage/Cache interfaces, so the staging, content and
// manifest-record generations can live on either backend.
package cache
