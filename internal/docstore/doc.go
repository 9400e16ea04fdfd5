// Package docstore exposes collections of JSON documents through the Adapter
// contract.
//
// [Service] is the embedded backend: every call takes the collection's lock
// (locks:<store>:<collection>), loads the collection file, applies the query,
// sort and paging of package query, writes mutations back atomically and
// releases the lock. Creating a document without an _id allocates one from a
// store-wide counter guarded by a nested lock.
//
// Not found is never an error. Malformed query clauses match nothing rather
// than failing the call. Typed errors wrap the sentinels ErrUnknownCollection,
// ErrLockAcquisitionFailed, ErrInvalidPageRequest, ErrValidationFailed and
// ErrDuplicateID.
//
// A [Registry] maps backend names to adapters so that callers can switch
// between this package and package mongodb by configuration.
package docstore
