// Package crawler defines the harvest domain shared across subsystems:
// candidate and submission records, the persisted crawl state, run summaries,
// the document and blob store contracts, and the source rotation.
package crawler
