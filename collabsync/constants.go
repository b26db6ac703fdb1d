// Copyright 2025 IGN France
// SPDX-License-Identifier: Apache-2.0

package collabsync

// EditState tags the local lifecycle of a feature record. A record carries
// exactly one state and appears in at most one ledger collection.
type EditState string

const (
	StateUnknown EditState = "UNKNOWN"
	StateInsert  EditState = "INSERT"
	StateUpdate  EditState = "UPDATE"
	StateDelete  EditState = "DELETE"
)

// Transaction statuses returned by the collaborative service.
const (
	StatusOK          = "ok"
	StatusConflicting = "conflicting"
	StatusError       = "error"
)

// Geometry wire formats supported per dataset.
const (
	FormatWKT     = "WKT"
	FormatGeoJSON = "GeoJSON"
)

// Soft-delete attribute names used by the collaborative service. A record
// carrying one of these with a truthy value is a server-side tombstone.
const (
	FieldDetruit     = "detruit"
	FieldGcmsDetruit = "gcms_detruit"
)
