// Package api hosts the HTTP handlers of the face-swap relay.
//
// FaceSwap runs the whole pipeline for one request: it reads both multipart
// image parts into memory, validates them by content sniffing before any
// vendor traffic happens, creates and polls the vendor job, stages the
// finished image on disk, publishes it to the storage bucket, and answers
// with the public URL. The staged file is removed on every exit path.
//
// Dependencies are injected through exported Handler fields; the package does
// not reach for globals beyond the shared metrics recorder. Handler
// implementations assume upstream middleware from internal/server has already
// enforced authentication, request IDs, metrics, auditing, and logging
// concerns. New routes should preserve that contract by avoiding duplicate
// validation and by leaning on the middleware guarantees established in the
// server stack.
package api
