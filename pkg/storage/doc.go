// Package storage writes downloads to disk, mirroring the gallery's
// category structure as directories under the output root. Files land via
// a temp-file-and-rename so interrupted downloads leave no partial images,
// and existing files are indexed at startup for duplicate skipping.
package storage
