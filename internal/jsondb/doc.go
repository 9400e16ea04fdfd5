// Package jsondb stores named collections of JSON documents, one file per
// collection.
//
// # File Format
//
// Each collection lives in <dir>/<name>.json as a single indented JSON array of
// objects. A file is created lazily with the collection's default content the
// first time the collection is referenced and is never deleted.
//
// # Atomicity
//
// [Store.Persist] writes the whole array to a temporary file in the same
// directory, syncs it and renames it over the previous file. Readers observe
// either the old array or the new one, never a partial write.
//
// # Concurrency
//
// The Store itself does not serialize read-modify-write sequences. Callers
// that mutate a collection must hold a lock covering the whole sequence; see
// package lock.
//
// # Numbers
//
// Numbers are decoded as [encoding/json.Number] so that integer ids survive a
// load/persist cycle without precision loss.
package jsondb
