// Package ferrors is the sum-type error taxonomy used across the
// coordinator and executor instead of string-typed errors (see §9 of the
// specification).
package ferrors
