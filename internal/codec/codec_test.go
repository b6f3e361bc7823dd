package codec

import (
	"archive/zip"
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/objectfs/objectfs/pkg/errors"
	"github.com/objectfs/objectfs/pkg/types"
)

func samplePNG(t *testing.T, w, h int, c color.Color) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return encodeBase64(buf.Bytes())
}

func sampleSession(t *testing.T) *types.Session {
	t.Helper()
	return &types.Session{
		Version:   "1.0",
		CreatedAt: "2026-07-31T00:00:00Z",
		Windows: []types.SessionWindow{
			{X: 0, Y: 0, Width: 800, Height: 600, Scale: 1.0, ImageRef: "images/0.png", Image: samplePNG(t, 800, 600, color.RGBA{255, 0, 0, 255})},
			{X: 10, Y: 10, Width: 400, Height: 300, Scale: 1.0, ImageRef: "images/1.png", Image: samplePNG(t, 400, 300, color.RGBA{0, 255, 0, 255})},
		},
		Metadata: types.SessionMetadata{
			Name:       "demo",
			Desc:       "a sample session",
			Tags:       []string{"test"},
			ImageCount: 2,
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := New("correct horse battery staple")
	session := sampleSession(t)

	result, err := c.Encode(session, "demo.fhdr", time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NotEmpty(t, result.Artifact)
	assert.Equal(t, "demo.fhdr", result.Index.Filename)
	assert.Equal(t, "1.0", result.Index.Version)
	assert.Equal(t, int64(len(result.Artifact)), result.Index.Metadata.FileSize)
	assert.Contains(t, result.Index.Checksum, "sha256:")

	decoded, err := c.Decode(result.Artifact)
	require.NoError(t, err)
	assert.Equal(t, session.Metadata.Name, decoded.Metadata.Name)
	require.Len(t, decoded.Windows, 2)
	assert.Equal(t, session.Windows[0].Image, decoded.Windows[0].Image)
	assert.Equal(t, session.Windows[1].Image, decoded.Windows[1].Image)
}

func TestEncodeArtifactCarriesValidCoverImage(t *testing.T) {
	c := New("pw")
	session := sampleSession(t)

	result, err := c.Encode(session, "demo.fhdr", time.Now())
	require.NoError(t, err)

	idx := bytes.Index(result.Artifact, []byte(Sentinel))
	require.Greater(t, idx, 0)

	cover := result.Artifact[:idx]
	_, format, err := image.Decode(bytes.NewReader(cover))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
}

func TestDecodeMissingSentinelIsIntegrityError(t *testing.T) {
	c := New("pw")
	_, err := c.Decode([]byte("not an artifact at all"))
	require.Error(t, err)

	cacheErr, ok := err.(*pkgerrors.CacheError)
	require.True(t, ok)
	assert.Equal(t, pkgerrors.KindIntegrity, cacheErr.Kind)
}

func TestDecodeWrongPassphraseIsDecryptionFailed(t *testing.T) {
	session := sampleSession(t)
	result, err := New("right-key").Encode(session, "demo.fhdr", time.Now())
	require.NoError(t, err)

	_, err = New("wrong-key").Decode(result.Artifact)
	require.Error(t, err)

	cacheErr, ok := err.(*pkgerrors.CacheError)
	require.True(t, ok)
	assert.Equal(t, pkgerrors.KindDecryptionFailed, cacheErr.Kind)
}

func TestDecodeMissingManifestIsSchemaMismatch(t *testing.T) {
	c := New("pw")

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("readme.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("no manifest here"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	artifact := append([]byte{}, []byte(Sentinel)...)
	artifact = append(artifact, xorKeystream(buf.Bytes(), "pw")...)

	_, err = c.Decode(artifact)
	require.Error(t, err)
	cacheErr, ok := err.(*pkgerrors.CacheError)
	require.True(t, ok)
	assert.Equal(t, pkgerrors.KindSchemaMismatch, cacheErr.Kind)
}

func TestDecodeLegacyArtifactDefaultsVersion(t *testing.T) {
	session := sampleSession(t)
	session.Version = ""

	c := New("pw")
	plaintext, err := buildPlaintextZip(session)
	require.NoError(t, err)

	ciphertext := xorKeystream(plaintext, "pw")
	artifact := append([]byte("cover-bytes-not-really-a-png"), []byte(Sentinel)...)
	artifact = append(artifact, ciphertext...)

	decoded, err := c.Decode(artifact)
	require.NoError(t, err)
	assert.Equal(t, legacyVersion, decoded.Version)
}

func TestDeriveIndexFromArtifactAlone(t *testing.T) {
	c := New("pw")
	session := sampleSession(t)

	result, err := c.Encode(session, "demo.fhdr", time.Now())
	require.NoError(t, err)

	idx, err := c.DeriveIndex(result.Artifact, "demo.fhdr", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "demo.fhdr", idx.Filename)
	assert.Equal(t, session.Metadata.Name, idx.Metadata.Name)
}

func TestBestGridPrefersFourThreeRatio(t *testing.T) {
	cols, rows := bestGrid(1)
	assert.Equal(t, 1, cols)
	assert.Equal(t, 1, rows)

	cols, rows = bestGrid(4)
	assert.Equal(t, 3, cols)
	assert.Equal(t, 2, rows)

	cols, rows = bestGrid(6)
	assert.InDelta(t, 4.0/3.0, float64(cols)/float64(rows), 0.5)
}

func TestXorKeystreamIsSymmetric(t *testing.T) {
	data := []byte("some plaintext bytes of arbitrary length, longer than the key")
	enc := xorKeystream(data, "key")
	dec := xorKeystream(enc, "key")
	assert.Equal(t, data, dec)
}
