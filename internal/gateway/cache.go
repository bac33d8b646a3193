package gateway

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ashureev/campusbot/internal/domain"
)

// errCorruptEntry means a cached value could not be opened, for example after
// the cache secret changed.
var errCorruptEntry = errors.New("cached student entry cannot be opened")

// RedisCache caches student records in Redis. Keys are HMACs of the email
// and values are sealed with AES-GCM, so the shared keyspace holds neither
// emails nor registration identifiers in readable form.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	macKey []byte
	aead   cipher.AEAD
}

// NewRedisCache creates a cache with the given entry lifetime. Both keys are
// derived from secret; an empty secret uses a random key, which confines the
// cache to this process.
func NewRedisCache(client *redis.Client, ttl time.Duration, secret []byte) (*RedisCache, error) {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate cache secret: %w", err)
		}
	}
	block, err := aes.NewCipher(deriveKey(secret, "campusbot/student-cache/seal"))
	if err != nil {
		return nil, fmt.Errorf("init cache cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init cache cipher: %w", err)
	}
	return &RedisCache{
		client: client,
		prefix: "campusbot:student:",
		ttl:    ttl,
		macKey: deriveKey(secret, "campusbot/student-cache/key"),
		aead:   aead,
	}, nil
}

func deriveKey(secret []byte, label string) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(label))
	return h.Sum(nil)
}

// DialRedis parses url and pings the server.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (c *RedisCache) key(email string) string {
	h := hmac.New(sha256.New, c.macKey)
	h.Write([]byte(email))
	return c.prefix + hex.EncodeToString(h.Sum(nil))
}

// seal encrypts student and binds the ciphertext to its Redis key.
func (c *RedisCache) seal(key string, student domain.StudentRef) ([]byte, error) {
	plain, err := json.Marshal(student)
	if err != nil {
		return nil, fmt.Errorf("encode student: %w", err)
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plain, []byte(key)), nil
}

func (c *RedisCache) open(key string, data []byte) (domain.StudentRef, error) {
	n := c.aead.NonceSize()
	if len(data) < n {
		return domain.StudentRef{}, errCorruptEntry
	}
	plain, err := c.aead.Open(nil, data[:n], data[n:], []byte(key))
	if err != nil {
		return domain.StudentRef{}, errCorruptEntry
	}
	var student domain.StudentRef
	if err := json.Unmarshal(plain, &student); err != nil {
		return domain.StudentRef{}, fmt.Errorf("decode cached student: %w", err)
	}
	return student, nil
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, email string) (domain.StudentRef, bool, error) {
	key := c.key(email)
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.StudentRef{}, false, nil
	}
	if err != nil {
		return domain.StudentRef{}, false, err
	}

	student, err := c.open(key, val)
	if err != nil {
		return domain.StudentRef{}, false, err
	}
	return student, true, nil
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, email string, student domain.StudentRef) error {
	if c.ttl <= 0 {
		return nil
	}
	key := c.key(email)
	data, err := c.seal(key, student)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, c.ttl).Err()
}
