/*
Package artifact implements the controller's Artifact Storage (C2): a
filesystem-backed blob store for the three files attached to a build — its
source zip, optional signing certs, and the built result (IPA/APK).

Every write streams chunk-by-chunk and is size-capped during the copy, not
after: Put uses an io.LimitReader one byte past the caller's limit so an
oversized upload is caught and the partial file deleted before it is ever
visible at its final path. Writes land at a temporary path within the same
directory and are renamed into place, so a concurrent reader never
observes a half-written file.

Storage lays blobs out as:

	<basePath>/<build-id>/source.zip
	<basePath>/<build-id>/certs.zip
	<basePath>/<build-id>/result.bin

Build IDs are validated against a restricted character set before being
used as a path component, closing off path traversal via a crafted ID.

Retention is intentionally not automatic — see Prune, which operators run
out-of-band.
*/
package artifact
