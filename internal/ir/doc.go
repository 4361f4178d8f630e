// Package ir holds the value types shared by every pretest package:
// commits, per-project integration state, project configuration, build
// verdicts and cycle records.
//
// ir imports nothing internal. Cycle records are serialized with RFC 8785
// canonical JSON so their digests are stable across runs.
package ir
