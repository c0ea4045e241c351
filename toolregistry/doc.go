// Package toolregistry implements the ToolRegistry contract: a declarative
// catalog of tools with schema validation, timeout enforcement, retry with
// backoff for transient failures, and idempotency gating for non-idempotent
// tools. Registered tools are plain tool.Tool implementations from the
// sibling tool package; this package adds the cataloging and dispatch
// policy layer on top.
package toolregistry
