// Package beart is the HTTP client for the BeArt face-swap vendor API.
//
// The vendor exposes two calls: create-job, a multipart upload of the source
// face and target scene, and get-job, a status poll that eventually yields the
// finished image URL. Both calls carry a fixed browser-like header set the
// vendor expects; create-job additionally carries the deployment's product
// serial. Responses share a {code, result} envelope where code 100000 means
// success and 300001 means the job is still processing.
//
// The vendor's multipart field naming is inverted relative to this service's
// API: the part named target_image carries the source face and the part named
// swap_image carries the target scene. Client preserves that mapping; callers
// pass (source, target) in this service's terms.
//
// PollJob issues a bounded number of status requests separated by a fixed
// interval. The wait between requests honours context cancellation, so a
// dropped caller stops the loop early.
package beart
