package vault

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwygoda/uplink/internal/domain"
)

func newTestVault(t *testing.T) (*Vault, *bytes.Buffer) {
	t.Helper()
	var logs bytes.Buffer
	v, err := New(t.TempDir(), zerolog.New(&logs))
	require.NoError(t, err)
	return v, &logs
}

// sealLegacy writes the pre-GCM format the way earlier releases did.
func sealLegacy(master, plain []byte) []byte {
	key, iv := legacyKeyIV(master)
	block, _ := aes.NewCipher(key)
	n := aes.BlockSize - len(plain)%aes.BlockSize
	padded := append(append([]byte{}, plain...), bytes.Repeat([]byte{byte(n)}, n)...)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out
}

var sample = domain.Credentials{
	InstagramUsername:   "studio",
	InstagramPassword:   "hunter2-secret",
	YouTubeRefreshToken: "1//refresh-token-value",
}

func TestVault_RoundTrip(t *testing.T) {
	ctx := context.Background()
	v, logs := newTestVault(t)

	require.NoError(t, v.Save(ctx, sample))
	assert.True(t, v.Exists())
	assert.Equal(t, sample, v.Load(ctx))

	raw, err := os.ReadFile(v.Path())
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(raw, magic))
	assert.NotContains(t, string(raw), "hunter2-secret")
	assert.NotContains(t, logs.String(), "hunter2-secret")
	assert.NotContains(t, logs.String(), "refresh-token-value")
}

func TestVault_FreshStoreIsEmpty(t *testing.T) {
	v, _ := newTestVault(t)

	assert.False(t, v.Exists())
	assert.True(t, v.Load(context.Background()).IsZero())
}

func TestVault_KeyFile(t *testing.T) {
	dir := t.TempDir()
	_, err := New(dir, zerolog.Nop())
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, KeyFile))
	require.NoError(t, err)
	assert.Equal(t, int64(masterKeySize), info.Size())
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	key1, _ := os.ReadFile(filepath.Join(dir, KeyFile))
	_, err = New(dir, zerolog.Nop())
	require.NoError(t, err)
	key2, _ := os.ReadFile(filepath.Join(dir, KeyFile))
	assert.Equal(t, key1, key2, "existing key must be reused")
}

func TestVault_FreshNoncePerSave(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVault(t)

	require.NoError(t, v.Save(ctx, sample))
	first, _ := os.ReadFile(v.Path())
	require.NoError(t, v.Save(ctx, sample))
	second, _ := os.ReadFile(v.Path())

	assert.NotEqual(t, first, second)
}

func TestVault_CorruptedFile(t *testing.T) {
	ctx := context.Background()

	cases := map[string]func([]byte) []byte{
		"flipped byte": func(b []byte) []byte { b[len(b)-1] ^= 0xff; return b },
		"truncated":    func(b []byte) []byte { return b[:len(magic)+3] },
		"garbage":      func([]byte) []byte { return []byte("not encrypted at all") },
		"empty":        func([]byte) []byte { return nil },
	}
	for name, corrupt := range cases {
		t.Run(name, func(t *testing.T) {
			v, logs := newTestVault(t)
			require.NoError(t, v.Save(ctx, sample))

			raw, _ := os.ReadFile(v.Path())
			require.NoError(t, os.WriteFile(v.Path(), corrupt(raw), 0o600))

			assert.True(t, v.Load(ctx).IsZero())
			assert.Contains(t, logs.String(), "using empty record")
			assert.NotContains(t, logs.String(), "hunter2-secret")
		})
	}
}

func TestVault_WrongKey(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVault(t)
	require.NoError(t, v.Save(ctx, sample))

	other := bytes.Repeat([]byte{7}, masterKeySize)
	require.NoError(t, os.WriteFile(v.keyPath(), other, 0o600))

	assert.True(t, v.Load(ctx).IsZero())
}

func TestVault_BadKeyLength(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, KeyFile), []byte("short"), 0o600))

	_, err := New(dir, zerolog.Nop())
	assert.ErrorIs(t, err, ErrEncryption)
}

func TestVault_LegacyFormat(t *testing.T) {
	ctx := context.Background()
	v, logs := newTestVault(t)

	key, err := v.masterKey()
	require.NoError(t, err)
	plain, err := json.Marshal(sample)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(v.Path(), sealLegacy(key, plain), 0o600))

	assert.Equal(t, sample, v.Load(ctx))
	assert.Contains(t, logs.String(), "legacy format")

	// The next save upgrades the file.
	require.NoError(t, v.Save(ctx, v.Load(ctx)))
	raw, _ := os.ReadFile(v.Path())
	assert.True(t, bytes.HasPrefix(raw, magic))
	assert.Equal(t, sample, v.Load(ctx))
}

func TestVault_LegacyFieldNames(t *testing.T) {
	// Files written by earlier releases use these exact property names.
	raw := `{"InstagramUsername":"u","InstagramPassword":"p","InstagramSessionFile":"s","YouTubeRefreshToken":"r"}`
	var c domain.Credentials
	require.NoError(t, json.Unmarshal([]byte(raw), &c))
	assert.Equal(t, domain.Credentials{InstagramUsername: "u", InstagramPassword: "p", InstagramSession: "s", YouTubeRefreshToken: "r"}, c)
}

func TestVault_Clear(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVault(t)

	require.NoError(t, v.Clear(ctx), "clearing an empty vault is fine")
	require.NoError(t, v.Save(ctx, sample))
	require.NoError(t, v.Clear(ctx))
	assert.False(t, v.Exists())
	assert.True(t, v.Load(ctx).IsZero())
	require.NoError(t, v.Clear(ctx))
}

func TestVault_SaveCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	v, _ := newTestVault(t)

	assert.Error(t, v.Save(ctx, sample))
	assert.False(t, v.Exists())
}

func TestVault_SaveIOError(t *testing.T) {
	v, _ := newTestVault(t)
	// A directory where the file should be makes the rename fail.
	require.NoError(t, os.Mkdir(v.Path(), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(v.Path(), "x"), nil, 0o600))

	err := v.Save(context.Background(), sample)
	assert.ErrorIs(t, err, ErrIO)
}

func TestVault_ConcurrentSaveLoad(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVault(t)
	require.NoError(t, v.Save(ctx, sample))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			c := sample
			c.InstagramSession = strings.Repeat("s", i+1)
			assert.NoError(t, v.Save(ctx, c))
		}(i)
		go func() {
			defer wg.Done()
			got := v.Load(ctx)
			assert.Equal(t, sample.YouTubeRefreshToken, got.YouTubeRefreshToken, "torn read")
		}()
	}
	wg.Wait()

	entries, err := os.ReadDir(filepath.Dir(v.Path()))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "temp file left behind: %s", e.Name())
	}
}
