package integrity

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"

	"tbk/process"
	. "tbk/utils"
)

// Suffix is appended to encrypted files and stripped on decryption.
const Suffix = ".crypt"

type Cipher string

const (
	AES128CBC Cipher = "aes-128-cbc"
	AES256CBC Cipher = "aes-256-cbc"
	AES128CTR Cipher = "aes-128-ctr"
	AES256CTR Cipher = "aes-256-ctr"
)

func ParseCipher(name string) (Cipher, error) {
	c := Cipher(strings.ToLower(strings.TrimSpace(name)))
	switch c {
	case AES128CBC, AES256CBC, AES128CTR, AES256CTR:
		return c, nil
	case "":
		return AES256CTR, nil
	}
	return "", ErrInvalidArgument.WithMessagef("unsupported cipher %q", name)
}

func (c Cipher) keyBytes() int {
	if strings.HasPrefix(string(c), "aes-128") {
		return 16
	}
	return 32
}

const ivBytes = 16

// randomTicks bounds openssl rand
const randomTicks = 500

// Key holds hex encoded key material for one cipher.
type Key struct {
	Cipher Cipher `json:"cipher" yaml:"cipher"`
	Key    string `json:"key" yaml:"key"`
	IV     string `json:"iv" yaml:"iv"`
}

// GenerateKey draws key and IV from openssl rand.
func GenerateKey(cipher Cipher) (Key, error) {
	key, err := randomHex(cipher.keyBytes())
	if err != nil {
		return Key{}, err
	}
	iv, err := randomHex(ivBytes)
	if err != nil {
		return Key{}, err
	}
	return Key{Cipher: cipher, Key: key, IV: iv}, nil
}

func randomHex(n int) (string, error) {
	p := process.New(fmt.Sprintf("openssl rand -hex %d", n))
	s := p.Wait(randomTicks)
	if !s.Succeeded() || len(s.Stdout) == 0 {
		return "", ErrInternal.WithMessagef("openssl rand exited with %d: %s", s.ExitCode, strings.Join(s.Stderr, " "))
	}
	return strings.TrimSpace(s.Stdout[0]), nil
}

// ParseKey validates hex key material against the cipher.
func ParseKey(cipher Cipher, key, iv string) (Key, error) {
	k, err := hex.DecodeString(key)
	if err != nil || len(k) != cipher.keyBytes() {
		return Key{}, ErrInvalidArgument.WithMessagef("%s needs a %d byte hex key", cipher, cipher.keyBytes())
	}
	v, err := hex.DecodeString(iv)
	if err != nil || len(v) != ivBytes {
		return Key{}, ErrInvalidArgument.WithMessagef("iv must be %d hex encoded bytes", ivBytes)
	}
	return Key{Cipher: cipher, Key: strings.ToLower(key), IV: strings.ToLower(iv)}, nil
}

type EncryptionState string

const (
	EncryptionIdle       EncryptionState = "Idle"
	EncryptionEncrypting EncryptionState = "Encrypting"
	EncryptionDecrypting EncryptionState = "Decrypting"
	EncryptionError      EncryptionState = "Error"
)

// EncryptionJob runs openssl enc for one file at a time. The output path is
// the input path with Suffix added (encrypt) or removed (decrypt).
type EncryptionJob struct {
	mu              sync.Mutex
	key             Key
	discardOriginal bool
	state           EncryptionState
	proc            *process.AsyncProcess
	input           string
	output          string
	messages        []string
}

func NewEncryptionJob(key Key, discardOriginal bool) *EncryptionJob {
	return &EncryptionJob{key: key, discardOriginal: discardOriginal, state: EncryptionIdle}
}

func (e *EncryptionJob) Encrypt(path string) error {
	return e.start(path, path+Suffix, EncryptionEncrypting, "-e")
}

func (e *EncryptionJob) Decrypt(path string) error {
	if !strings.HasSuffix(path, Suffix) {
		return ErrInvalidArgument.WithMessagef("%s does not end in %s", path, Suffix)
	}
	return e.start(path, strings.TrimSuffix(path, Suffix), EncryptionDecrypting, "-d")
}

func (e *EncryptionJob) start(input, output string, next EncryptionState, mode string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != EncryptionIdle {
		return ErrInvalidState.WithMessagef("encryption job is %s", e.state)
	}
	e.input, e.output = input, output
	command := fmt.Sprintf("openssl enc -%s %s -K %s -iv %s -in %s -out %s",
		e.key.Cipher, mode, e.key.Key, e.key.IV, Quote(input), Quote(output))
	e.proc = process.New(command)
	if err := e.proc.Start(); err != nil {
		e.state = EncryptionError
		e.messages = append(e.messages, "[ERROR] "+err.Error())
		return err
	}
	e.state = next
	return nil
}

func (e *EncryptionJob) Status() EncryptionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != EncryptionEncrypting && e.state != EncryptionDecrypting {
		return e.state
	}
	s := e.proc.Status()
	if s.Running {
		return e.state
	}
	if s.ExitCode != 0 {
		e.messages = append(e.messages, fmt.Sprintf("[ERROR] openssl %s of %s failed with exit code %d", strings.ToLower(string(e.state)), e.input, s.ExitCode))
		e.messages = append(e.messages, s.Stderr...)
		e.state = EncryptionError
		// partial output is useless
		os.Remove(e.output)
		return e.state
	}
	e.state = EncryptionIdle
	return e.state
}

func (e *EncryptionJob) Wait() EncryptionState {
	e.mu.Lock()
	proc := e.proc
	busy := e.state == EncryptionEncrypting || e.state == EncryptionDecrypting
	e.mu.Unlock()
	if busy {
		proc.Wait(0)
	}
	return e.Status()
}

// Reset returns a failed job to Idle.
func (e *EncryptionJob) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == EncryptionError {
		e.state = EncryptionIdle
	}
}

func (e *EncryptionJob) DiscardOriginal() bool {
	return e.discardOriginal
}
func (e *EncryptionJob) InputPath() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.input
}
func (e *EncryptionJob) OutputPath() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.output
}
func (e *EncryptionJob) State() EncryptionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}
func (e *EncryptionJob) Messages() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.messages...)
}
