package media

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testImage(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 30, G: 144, B: 255, A: 255})
		}
	}
	buf := &bytes.Buffer{}
	require.NoError(t, png.Encode(buf, img))
	return buf.Bytes()
}

func TestSaveWritesPhotoAndThumbnail(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(context.Background(), Options{BaseDir: dir, ThumbWidth: 20})
	require.NoError(t, err)

	ref, thumbRef, err := store.Save(context.Background(), testImage(t, 100, 50), "selfie.png")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(ref, ".png"))

	data, err := os.ReadFile(ref)
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	require.NotNil(t, thumbRef)
	thumbData, err := os.ReadFile(*thumbRef)
	require.NoError(t, err)
	thumb, _, err := image.Decode(bytes.NewReader(thumbData))
	require.NoError(t, err)
	assert.Equal(t, 20, thumb.Bounds().Dx())
	assert.Equal(t, 10, thumb.Bounds().Dy())
}

func TestSaveUndecodableDataStillStored(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(context.Background(), Options{BaseDir: dir})
	require.NoError(t, err)

	ref, thumbRef, err := store.Save(context.Background(), []byte("not an image"), "weird.webp")
	require.NoError(t, err)
	assert.Nil(t, thumbRef)
	assert.True(t, strings.HasSuffix(ref, ".bin"))

	_, err = os.Stat(ref)
	require.NoError(t, err)
}

func TestKeyExtDropsUnsafeExtensions(t *testing.T) {
	assert.Equal(t, ".jpg", keyExt("a.JPEG"))
	assert.Equal(t, ".png", keyExt("photo.png"))
	assert.Equal(t, ".bin", keyExt("../../etc/passwd"))
	assert.Equal(t, ".bin", keyExt("noext"))
}
