package source

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i)
	}
	return data
}

func TestBuffer(t *testing.T) {
	data := testData(100)
	src := NewBuffer(data)

	if src.Length() != 100 {
		t.Errorf("Expected length 100, got %d", src.Length())
	}

	chunk, err := src.Fetch(context.Background(), 30, 30)
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if !bytes.Equal(chunk.Data, data[30:60]) || chunk.Final {
		t.Errorf("Unexpected chunk: %v final=%v", chunk.Data, chunk.Final)
	}

	// Clamped to the end of the payload
	chunk, err = src.Fetch(context.Background(), 90, 30)
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if !bytes.Equal(chunk.Data, data[90:]) || !chunk.Final {
		t.Errorf("Unexpected last chunk: %v final=%v", chunk.Data, chunk.Final)
	}

	// Same range again
	again, err := src.Fetch(context.Background(), 30, 30)
	require.NoError(t, err)
	assert.Equal(t, data[30:60], again.Data)

	_, err = src.Fetch(context.Background(), 101, 1)
	if err == nil {
		t.Error("Expected error for offset beyond the end")
	}
}

func TestFile(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "test.bin")
	data := testData(100)
	if err := os.WriteFile(testFile, data, 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	src, err := NewFile(testFile)
	if err != nil {
		t.Fatalf("NewFile error: %v", err)
	}
	defer src.Close()

	assert.Equal(t, int64(100), src.Length())
	assert.Equal(t, testFile, src.Path())

	// Out of order reads, as after a retry
	for _, offset := range []int64{60, 0, 30, 90, 30} {
		chunk, err := src.Fetch(context.Background(), offset, 30)
		require.NoError(t, err)

		end := offset + 30
		if end > 100 {
			end = 100
		}
		assert.Equal(t, data[offset:end], chunk.Data)
		assert.Equal(t, end == 100, chunk.Final)
	}

	require.NoError(t, src.Close())
	_, err = src.Fetch(context.Background(), 0, 10)
	assert.Error(t, err)
}

func TestFile_Missing(t *testing.T) {
	_, err := NewFile(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	_, err = NewFile(t.TempDir())
	assert.Error(t, err)
}

func TestCompressedFile(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "test.txt")
	payload := []byte(strings.Repeat("resumable upload payload ", 400))
	require.NoError(t, os.WriteFile(testFile, payload, 0644))

	src, err := NewCompressedFile(testFile, 3)
	require.NoError(t, err)

	assert.Equal(t, testFile, src.SourcePath())
	assert.Less(t, src.Length(), int64(len(payload)))

	var compressed []byte
	for offset := int64(0); offset < src.Length(); offset += 64 {
		chunk, err := src.Fetch(context.Background(), offset, 64)
		require.NoError(t, err)
		compressed = append(compressed, chunk.Data...)
	}

	decoder, err := zstd.NewReader(bytes.NewReader(compressed))
	require.NoError(t, err)
	defer decoder.Close()
	decompressed, err := io.ReadAll(decoder)
	require.NoError(t, err)
	assert.Equal(t, payload, decompressed)

	tmpPath := src.Path()
	require.NoError(t, src.Close())
	_, err = os.Stat(tmpPath)
	assert.True(t, os.IsNotExist(err))
}

func TestReader(t *testing.T) {
	data := testData(100)
	src := NewReader(bytes.NewReader(data))

	assert.Equal(t, UnknownLength, src.Length())

	chunk, err := src.Fetch(context.Background(), 0, 40)
	require.NoError(t, err)
	assert.Equal(t, data[:40], chunk.Data)
	assert.False(t, chunk.Final)

	// The server confirmed only 25 bytes, the rest is served again
	chunk, err = src.Fetch(context.Background(), 25, 40)
	require.NoError(t, err)
	assert.Equal(t, data[25:65], chunk.Data)

	// Retry of the same window
	chunk, err = src.Fetch(context.Background(), 25, 40)
	require.NoError(t, err)
	assert.Equal(t, data[25:65], chunk.Data)

	chunk, err = src.Fetch(context.Background(), 65, 40)
	require.NoError(t, err)
	assert.Equal(t, data[65:], chunk.Data)
	assert.True(t, chunk.Final)

	// Released bytes can not be served anymore
	_, err = src.Fetch(context.Background(), 10, 10)
	assert.Error(t, err)
}

func TestReader_ExactMultiple(t *testing.T) {
	data := testData(80)
	src := NewReader(bytes.NewReader(data))

	chunk, err := src.Fetch(context.Background(), 0, 40)
	require.NoError(t, err)
	assert.Len(t, chunk.Data, 40)

	chunk, err = src.Fetch(context.Background(), 40, 40)
	require.NoError(t, err)
	assert.Len(t, chunk.Data, 40)

	chunk, err = src.Fetch(context.Background(), 80, 40)
	require.NoError(t, err)
	assert.Empty(t, chunk.Data)
	assert.True(t, chunk.Final)
}

func TestProvider_KnownLength(t *testing.T) {
	data := testData(100)
	src := NewProvider(100, func(_ context.Context, offset, length int64, respond ResponseFunc) {
		respond(data[offset:offset+length], nil)
	})

	assert.Equal(t, int64(100), src.Length())

	chunk, err := src.Fetch(context.Background(), 80, 50)
	require.NoError(t, err)
	assert.Equal(t, data[80:], chunk.Data)
	assert.True(t, chunk.Final)
}

func TestProvider_ShortResponse(t *testing.T) {
	src := NewProvider(100, func(_ context.Context, offset, length int64, respond ResponseFunc) {
		respond(make([]byte, length-1), nil)
	})

	_, err := src.Fetch(context.Background(), 0, 10)
	assert.True(t, errors.Is(err, ErrShortRead))
}

func TestProvider_Error(t *testing.T) {
	providerErr := errors.New("disk on fire")
	src := NewProvider(100, func(_ context.Context, offset, length int64, respond ResponseFunc) {
		respond(nil, providerErr)
	})

	_, err := src.Fetch(context.Background(), 0, 10)
	assert.True(t, errors.Is(err, providerErr))
}

func TestProvider_UnknownLength(t *testing.T) {
	reads := [][]byte{testData(10), testData(6), testData(3)}
	calls := 0
	src := NewProvider(UnknownLength, func(_ context.Context, offset, length int64, respond ResponseFunc) {
		call := calls
		calls++
		if call < len(reads) {
			respond(reads[call], nil)
			return
		}
		respond(nil, nil)
	})

	var total int
	for {
		chunk, err := src.Fetch(context.Background(), int64(total), 10)
		require.NoError(t, err)
		total += len(chunk.Data)
		if chunk.Final {
			break
		}
	}

	assert.Equal(t, 19, total)
	assert.Equal(t, 4, calls)
}

func TestProvider_EOFWithData(t *testing.T) {
	src := NewProvider(UnknownLength, func(_ context.Context, offset, length int64, respond ResponseFunc) {
		respond([]byte("tail"), io.EOF)
	})

	chunk, err := src.Fetch(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []byte("tail"), chunk.Data)
	assert.True(t, chunk.Final)
}

func TestProvider_AsyncAndOnlyFirstResponseCounts(t *testing.T) {
	src := NewProvider(4, func(_ context.Context, offset, length int64, respond ResponseFunc) {
		go func() {
			time.Sleep(10 * time.Millisecond)
			respond([]byte("abcd"), nil)
			respond(nil, errors.New("second response"))
		}()
	})

	chunk, err := src.Fetch(context.Background(), 0, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcd"), chunk.Data)
}

func TestProvider_Cancel(t *testing.T) {
	abandoned := make(chan error, 1)
	src := NewProvider(UnknownLength, func(ctx context.Context, offset, length int64, respond ResponseFunc) {
		<-ctx.Done()
		abandoned <- ctx.Err()
		respond([]byte("late"), nil)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := src.Fetch(ctx, 0, 4)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	select {
	case providerErr := <-abandoned:
		assert.True(t, errors.Is(providerErr, context.DeadlineExceeded))
	case <-time.After(time.Second):
		t.Fatal("provider was not told about the abandoned call")
	}
}
