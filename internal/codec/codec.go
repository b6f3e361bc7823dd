// Package codec implements the Artifact Codec: the on-wire format for a
// session body artifact (a steganographic PNG cover, a sentinel, and an
// XOR-enciphered ZIP of the session JSON and embedded images), plus
// derivation of the Metadata Index and thumbnail collage from a session.
package codec

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/flate"

	pkgerrors "github.com/objectfs/objectfs/pkg/errors"
	"github.com/objectfs/objectfs/pkg/types"
)

// Sentinel is the 4-byte ASCII marker separating cover image bytes from the
// ciphertext that follows it in an artifact body.
const Sentinel = "FHDR"

const (
	manifestEntryName = "manifest.json"
	imagesDirName     = "images/"
	legacyVersion     = "0.9"
	currentVersion    = "1.0"
)

// useFastDeflate swaps zw's Deflate compressor for klauspost/compress's
// faster, better-compressing flate.Writer. The swap is per writer, since
// archive/zip's package-wide Deflate registration cannot be replaced; the
// output is standard DEFLATE, so readers keep the default decompressor.
func useFastDeflate(zw *zip.Writer) {
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.BestCompression)
	})
}

// Codec encodes and decodes session artifacts under a single configured
// passphrase.
type Codec struct {
	passphrase string
}

// New returns a Codec that uses passphrase as the XOR keystream key for
// both Encode and Decode.
func New(passphrase string) *Codec {
	return &Codec{passphrase: passphrase}
}

// EncodeResult bundles an encoded artifact with the Metadata Index and
// checksum derived from it, per spec §4.2's derivation contract.
type EncodeResult struct {
	Artifact []byte
	Index    *types.MetadataIndex
}

// Encode builds the on-wire artifact for session, deriving its Metadata
// Index and a thumbnail collage cover image along the way. filename is the
// immutable identifier the resulting artifact and index will be published
// under (see invariant I2).
func (c *Codec) Encode(session *types.Session, filename string, now time.Time) (*EncodeResult, error) {
	plaintext, err := buildPlaintextZip(session)
	if err != nil {
		return nil, pkgerrors.New(pkgerrors.KindFatal, "failed to build session archive").
			WithComponent("codec").WithOperation("Encode").WithFilename(filename).WithCause(err)
	}

	cover, err := buildCover(session)
	if err != nil {
		return nil, pkgerrors.New(pkgerrors.KindFatal, "failed to build thumbnail cover").
			WithComponent("codec").WithOperation("Encode").WithFilename(filename).WithCause(err)
	}

	ciphertext := xorKeystream(plaintext, c.passphrase)

	artifact := make([]byte, 0, len(cover)+len(Sentinel)+len(ciphertext))
	artifact = append(artifact, cover...)
	artifact = append(artifact, Sentinel...)
	artifact = append(artifact, ciphertext...)

	checksum := sha256Hex(artifact)
	createdAt := now.UTC().Format(time.RFC3339)

	meta := session.Metadata
	meta.FileSize = int64(len(artifact))
	if meta.CreatedAt == "" {
		meta.CreatedAt = createdAt
	}

	index := &types.MetadataIndex{
		Version:     currentVersion,
		Filename:    filename,
		Metadata:    meta,
		Checksum:    "sha256:" + checksum,
		CreatedAt:   createdAt,
		LastUpdated: createdAt,
	}

	return &EncodeResult{Artifact: artifact, Index: index}, nil
}

// Decode reverses Encode: it locates the sentinel, deciphers the ciphertext,
// unpacks the ZIP, and reconstructs the Session. Returns a *pkgerrors.CacheError
// of kind Integrity (missing sentinel), DecryptionFailed (ciphertext does not
// decode to a valid ZIP after XOR), or SchemaMismatch (manifest.json absent or
// not valid JSON) on failure. Missing JSON fields are not rejected: an absent
// version becomes the legacy "0.9", and other absent fields decode as zero
// values.
func (c *Codec) Decode(artifact []byte) (*types.Session, error) {
	idx := bytes.Index(artifact, []byte(Sentinel))
	if idx < 0 {
		return nil, pkgerrors.New(pkgerrors.KindIntegrity, "artifact missing FHDR sentinel").
			WithComponent("codec").WithOperation("Decode")
	}

	ciphertext := artifact[idx+len(Sentinel):]
	plaintext := xorKeystream(ciphertext, c.passphrase)

	zr, err := zip.NewReader(bytes.NewReader(plaintext), int64(len(plaintext)))
	if err != nil {
		return nil, pkgerrors.New(pkgerrors.KindDecryptionFailed, "decrypted stream is not a valid ZIP archive").
			WithComponent("codec").WithOperation("Decode").WithCause(err)
	}

	var manifestFile *zip.File
	images := make(map[string][]byte)
	for _, f := range zr.File {
		switch {
		case f.Name == manifestEntryName:
			manifestFile = f
		case len(f.Name) > len(imagesDirName) && f.Name[:len(imagesDirName)] == imagesDirName:
			data, readErr := readZipFile(f)
			if readErr != nil {
				return nil, pkgerrors.New(pkgerrors.KindDecryptionFailed, "failed to read embedded image").
					WithComponent("codec").WithOperation("Decode").WithFilename(f.Name).WithCause(readErr)
			}
			images[f.Name] = data
		}
	}

	if manifestFile == nil {
		return nil, pkgerrors.New(pkgerrors.KindSchemaMismatch, "archive missing manifest.json").
			WithComponent("codec").WithOperation("Decode")
	}

	manifestBytes, err := readZipFile(manifestFile)
	if err != nil {
		return nil, pkgerrors.New(pkgerrors.KindDecryptionFailed, "failed to read manifest.json").
			WithComponent("codec").WithOperation("Decode").WithCause(err)
	}

	var session types.Session
	if err := json.Unmarshal(manifestBytes, &session); err != nil {
		return nil, pkgerrors.New(pkgerrors.KindSchemaMismatch, "manifest.json is not valid JSON").
			WithComponent("codec").WithOperation("Decode").WithCause(err)
	}

	if session.Version == "" {
		// Backward compatibility: pre-metadata-era artifacts are missing the
		// version field entirely. Synthesize defaults rather than fail.
		session.Version = legacyVersion
	}

	for ref, data := range images {
		for i := range session.Windows {
			if session.Windows[i].ImageRef == ref {
				session.Windows[i].Image = encodeBase64(data)
			}
		}
	}

	return &session, nil
}

// DeriveIndex recomputes the Metadata Index for an already-encoded artifact
// body, used by repair/re-derivation paths that have the body but lost the
// index (spec §4.3 "repair_cloud_structure").
func (c *Codec) DeriveIndex(artifact []byte, filename string, now time.Time) (*types.MetadataIndex, error) {
	session, err := c.Decode(artifact)
	if err != nil {
		return nil, err
	}

	createdAt := now.UTC().Format(time.RFC3339)
	meta := session.Metadata
	meta.FileSize = int64(len(artifact))
	if meta.CreatedAt == "" {
		meta.CreatedAt = createdAt
	}

	return &types.MetadataIndex{
		Version:     currentVersion,
		Filename:    filename,
		Metadata:    meta,
		Checksum:    "sha256:" + sha256Hex(artifact),
		CreatedAt:   createdAt,
		LastUpdated: createdAt,
	}, nil
}

func buildPlaintextZip(session *types.Session) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	useFastDeflate(zw)

	manifestBytes, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}

	mw, err := zw.Create(manifestEntryName)
	if err != nil {
		return nil, err
	}
	if _, err := mw.Write(manifestBytes); err != nil {
		return nil, err
	}

	// Deterministic ordering: iterate windows in index order, skipping
	// windows whose image is inlined rather than embedded as a zip entry.
	for i, win := range session.Windows {
		if win.ImageRef == "" {
			continue
		}
		data, err := decodeBase64(win.Image)
		if err != nil {
			return nil, fmt.Errorf("window %d: decode embedded image: %w", i, err)
		}
		iw, err := zw.Create(win.ImageRef)
		if err != nil {
			return nil, err
		}
		if _, err := iw.Write(data); err != nil {
			return nil, err
		}
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}

// xorKeystream XORs data against passphrase, cycling the key bytes modulo
// its length. Symmetric: calling it twice with the same key recovers the
// original bytes. Unauthenticated by design (spec §9 open question).
func xorKeystream(data []byte, passphrase string) []byte {
	if len(passphrase) == 0 {
		out := make([]byte, len(data))
		copy(out, data)
		return out
	}

	out := make([]byte, len(data))
	key := []byte(passphrase)
	for i, b := range data {
		out[i] = b ^ key[i%len(key)]
	}
	return out
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func encodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func decodeBase64(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
