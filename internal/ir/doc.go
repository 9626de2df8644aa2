// Package ir provides the value model shared by every tarn package.
//
// This package contains data types only. All other internal packages
// import ir; ir imports nothing internal.
//
// Key design constraints:
//   - Value is a closed set: Bool, Float, String, Tuple, Relation
//   - Compare is a total order; NaN is rejected by NewFloat and JSON decoding
//   - Strings are NFC normalized at construction and serialization
//   - Logical sequence numbers only, never wall-clock timestamps
package ir
