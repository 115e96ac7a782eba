// Package catalog defines the product record, the collaborator interfaces the
// sync pipeline consumes, and the snapshot-backed catalog store.
package catalog
