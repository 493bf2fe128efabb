package integrity_test

import (
	"crypto/md5"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"hash"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tbk/integrity"
	. "tbk/utils"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func digest(h hash.Hash, content string) string {
	h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))
}

func TestCreateMatchesReference(t *testing.T) {
	content := "backup me onto tape\n"
	tests := []struct {
		algorithm integrity.Algorithm
		h         hash.Hash
	}{
		{integrity.MD5, md5.New()},
		{integrity.SHA256, sha256.New()},
		{integrity.SHA512, sha512.New()},
	}
	for _, tt := range tests {
		t.Run(string(tt.algorithm), func(t *testing.T) {
			job := integrity.NewChecksumJob(writeFile(t, "data 'quoted'.bin", content), tt.algorithm)
			require.NoError(t, job.Create())
			assert.Equal(t, integrity.ChecksumIdle, job.Wait())
			assert.Equal(t, digest(tt.h, content), job.Value())
		})
	}
}

func TestValidate(t *testing.T) {
	content := "validate me"
	reference := digest(sha256.New(), content)
	path := writeFile(t, "v.bin", content)

	job := integrity.NewChecksumJob(path, integrity.SHA256)
	require.NoError(t, job.Validate(reference))
	assert.Equal(t, integrity.ChecksumIdle, job.Wait())

	job = integrity.NewChecksumJob(path, integrity.SHA256)
	require.NoError(t, job.Validate("deadbeef"))
	assert.Equal(t, integrity.ChecksumMismatch, job.Wait())
	assert.Equal(t, reference, job.Value())
	assert.Equal(t, "deadbeef", job.Target())

	// mismatch is sticky until reset
	assert.True(t, errors.Is(job.Create(), ErrInvalidState))
	job.Reset()
	assert.Equal(t, integrity.ChecksumIdle, job.State())
	assert.Equal(t, reference, job.Value())
}

func TestValidateEmptyTargetRejected(t *testing.T) {
	job := integrity.NewChecksumJob(writeFile(t, "e.bin", "x"), integrity.SHA256)
	err := job.Validate("")
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	assert.Equal(t, integrity.ChecksumIdle, job.State())
}

func TestCreateWhileBusyRejected(t *testing.T) {
	job := integrity.NewChecksumJob(writeFile(t, "b.bin", "x"), integrity.SHA256)
	require.NoError(t, job.Create())
	assert.True(t, errors.Is(job.Create(), ErrInvalidState))
	assert.True(t, errors.Is(job.Retarget("/elsewhere"), ErrInvalidState))
	job.Wait()
}

func TestMissingFileIsError(t *testing.T) {
	job := integrity.NewChecksumJob(filepath.Join(t.TempDir(), "missing"), integrity.SHA256)
	require.NoError(t, job.Create())
	assert.Equal(t, integrity.ChecksumError, job.Wait())
	assert.NotEmpty(t, job.Messages())
	assert.Empty(t, job.Value())
}

func TestNoneIsNoop(t *testing.T) {
	job := integrity.NewChecksumJob("/does/not/matter", integrity.None)
	require.NoError(t, job.Create())
	require.NoError(t, job.Validate("abc"))
	assert.Equal(t, integrity.ChecksumIdle, job.Wait())
	assert.Empty(t, job.Value())
}

func TestParseAlgorithm(t *testing.T) {
	a, err := integrity.ParseAlgorithm("sha256")
	require.NoError(t, err)
	assert.Equal(t, integrity.SHA256, a)
	a, err = integrity.ParseAlgorithm("")
	require.NoError(t, err)
	assert.Equal(t, integrity.None, a)
	_, err = integrity.ParseAlgorithm("crc32")
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func requireOpenSSL(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("openssl"); err != nil {
		t.Skip("openssl not installed")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	requireOpenSSL(t)
	key, err := integrity.GenerateKey(integrity.AES256CTR)
	require.NoError(t, err)
	assert.Len(t, key.Key, 64)
	assert.Len(t, key.IV, 32)

	path := writeFile(t, "plain.txt", "secret payload")
	job := integrity.NewEncryptionJob(key, false)
	require.NoError(t, job.Encrypt(path))
	require.Equal(t, integrity.EncryptionIdle, job.Wait())
	assert.Equal(t, path+integrity.Suffix, job.OutputPath())

	encrypted, err := os.ReadFile(path + integrity.Suffix)
	require.NoError(t, err)
	assert.NotEqual(t, "secret payload", string(encrypted))

	require.NoError(t, os.Remove(path))
	require.NoError(t, job.Decrypt(path+integrity.Suffix))
	require.Equal(t, integrity.EncryptionIdle, job.Wait())
	plain, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "secret payload", string(plain))
}

func TestDecryptNeedsSuffix(t *testing.T) {
	job := integrity.NewEncryptionJob(integrity.Key{Cipher: integrity.AES256CTR}, false)
	assert.True(t, errors.Is(job.Decrypt("/tmp/plain.txt"), ErrInvalidArgument))
}

func TestParseKey(t *testing.T) {
	_, err := integrity.ParseKey(integrity.AES128CBC, "00112233445566778899aabbccddeeff", "00112233445566778899aabbccddeeff")
	require.NoError(t, err)
	_, err = integrity.ParseKey(integrity.AES256CBC, "0011", "00112233445566778899aabbccddeeff")
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}
