// Package output formats archive entry listings.
//
// Formats are looked up by name in a [Registry]; [DefaultRegistry] provides
// text, json and yaml.
package output
