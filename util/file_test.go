package util

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/HugoSmits86/nativewebp"
	"github.com/ftrvxmtrx/tga"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+3] = 200, 255
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func encodeWith(t *testing.T, enc func(io.Writer, image.Image) error) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 4, 3))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+3] = 200, 255
	}
	var buf bytes.Buffer
	require.NoError(t, enc(&buf, img))
	return buf.Bytes()
}

// hugePNGHeader 只有文件头的 PNG，声明的尺寸远超像素上限
func hugePNGHeader() []byte {
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], 100000)
	binary.BigEndian.PutUint32(ihdr[4:], 100000)
	ihdr[8], ihdr[9] = 8, 6

	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(ihdr)))
	chunk := append([]byte("IHDR"), ihdr...)
	buf.Write(chunk)
	_ = binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}

func TestDecodeImage(t *testing.T) {
	t.Parallel()

	jpegEncode := func(w io.Writer, img image.Image) error { return jpeg.Encode(w, img, nil) }
	gifEncode := func(w io.Writer, img image.Image) error { return gif.Encode(w, img, nil) }
	webpEncode := func(w io.Writer, img image.Image) error { return nativewebp.Encode(w, img, nil) }

	tests := []struct {
		name       string
		data       []byte
		wantFormat string
		wantErr    error
	}{
		{name: "png", data: encodeWith(t, png.Encode), wantFormat: "png"},
		{name: "jpeg", data: encodeWith(t, jpegEncode), wantFormat: "jpeg"},
		{name: "gif", data: encodeWith(t, gifEncode), wantFormat: "gif"},
		{name: "webp", data: encodeWith(t, webpEncode), wantFormat: "webp"},
		{name: "tga", data: encodeWith(t, tga.Encode), wantFormat: "tga"},
		{name: "空数据", data: nil, wantErr: ErrEmptyImage},
		{name: "非图片", data: []byte("definitely not an image"), wantErr: ErrFormat},
		{name: "尺寸超过上限", data: hugePNGHeader(), wantErr: ErrTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			img, format, err := DecodeImage(tt.data)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, img)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantFormat, format)
			assert.Equal(t, image.Rect(0, 0, 4, 3), img.Bounds())
		})
	}
}

func TestOpenImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "item.png")
	require.NoError(t, os.WriteFile(path, pngBytes(t, 2, 2), 0o644))

	img, err := OpenImage(path)
	require.NoError(t, err)
	r, _, _, a := img.At(0, 0).RGBA()
	assert.Equal(t, color.NRGBA{R: 200, A: 255}, color.NRGBAModel.Convert(img.At(0, 0)))
	assert.NotZero(t, r)
	assert.NotZero(t, a)

	_, err = OpenImage(filepath.Join(t.TempDir(), "missing.png"))
	assert.Error(t, err)
}

func TestDownloadImage(t *testing.T) {
	t.Parallel()

	data := pngBytes(t, 3, 3)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.png":
			_, _ = w.Write(data)
		case "/slow.png":
			time.Sleep(200 * time.Millisecond)
			_, _ = w.Write(data)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	img, err := DownloadImage(context.Background(), server.URL+"/ok.png")
	require.NoError(t, err)
	assert.Equal(t, 3, img.Bounds().Dx())

	_, err = DownloadImage(context.Background(), server.URL+"/missing.png")
	assert.ErrorContains(t, err, "status 404")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = DownloadImage(ctx, server.URL+"/slow.png")
	assert.ErrorContains(t, err, "context deadline exceeded")
}

func TestBytesMD5(t *testing.T) {
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", BytesMD5(nil))
	assert.Equal(t, BytesMD5([]byte("a")), BytesMD5([]byte("a")))
	assert.NotEqual(t, BytesMD5([]byte("a")), BytesMD5([]byte("b")))
}
