// Package crawler discovers how many catalog pages exist, renders them with
// bounded concurrency and turns the fragments into new, deduplicated
// products with fresh identities.
package crawler
