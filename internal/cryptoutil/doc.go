// Package cryptoutil verifies policy documents: KMS-backed detached
// signatures and constant-time digest comparison.
package cryptoutil
