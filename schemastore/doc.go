// Copyright 2026 SchemaFlow Authors. All rights reserved.
// Use of this source code is governed by the MIT license that can be
// found in the LICENSE file.

/*
Package schemastore persists schema resources and their version history.

A SchemaResource row always holds the live state. Every update that changes
at least one field first writes an immutable VersionRecord with the
pre-update state, then bumps the live version by one; identical updates are
no-ops. Restore re-applies a recorded snapshot as an ordinary update, and
Fork starts an independent private resource at version 1.

Updates are serialized per resource with a compare-and-swap on the version
column inside a transaction, backed by the unique (resource_id, version)
index. Lost races retry the whole read-diff-write cycle up to
Config.MaxUpdateAttempts times before surfacing VERSION_CONFLICT.

Manager implements structured.SchemaResolver, so a structured completion
that references a schema by id counts one use of it.
*/
package schemastore
