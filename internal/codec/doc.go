/*
Package codec implements the Artifact Codec: encoding and decoding of the
on-wire session body artifact, and derivation of the Metadata Index and
thumbnail cover image from a session.

# Artifact Layout

	┌──────────────────────┬──────────┬────────────────────────────┐
	│   PNG cover image     │ "FHDR"   │  XOR-enciphered ZIP         │
	│  (thumbnail collage)  │ sentinel │  manifest.json + images/*   │
	└──────────────────────┴──────────┴────────────────────────────┘

The cover image is a valid, independently-openable PNG; a reader unaware of
the format sees only a picture. Decode locates the sentinel, deciphers
everything after it with the configured passphrase, and unzips the result.

# Derivation

Encode derives two things from a Session in addition to the artifact body:

  - The Metadata Index (manifest version, checksum, file size, timestamps),
    published alongside the artifact under meta_indexes/.
  - The thumbnail collage cover, built by downscaling every embedded window
    image to a 100px bounding box and tiling them into a grid sized to
    approximate a 4:3 aspect ratio.

DeriveIndex recomputes the Metadata Index from an artifact body alone, used
when a session's index is lost but its body survives.

# Failure Modes

Decode distinguishes three ways an artifact can be unreadable, each mapped
to one of the error kinds in pkg/errors: a missing sentinel is Integrity, a
ciphertext that fails to parse as a ZIP after the XOR step is
DecryptionFailed, and a ZIP missing manifest.json or carrying unparseable
JSON is SchemaMismatch.
*/
package codec
