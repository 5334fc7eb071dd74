// Package ir holds the intermediate representation shared by every other
// package: the constrained value domain (IRValue), the compiled rule and
// package definitions the rule compiler emits, canonical JSON, and
// content hashing.
//
// ir imports nothing internal. All other internal packages import it.
//
// Key design constraints:
//   - no float kind anywhere; numbers are int64
//   - JSON tags use snake_case
//   - canonical JSON (RFC 8785) is the only serialization that is hashed
package ir
