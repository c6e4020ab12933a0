package objectkey

import (
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
)

// Generator derives storage keys for original and optimized media
type Generator interface {
	// GenerateKey returns the key for one stored object of fileID. objectID
	// distinguishes the original from each optimized rendition.
	GenerateKey(fileID, objectID uuid.UUID, metadata *KeyMetadata) string
}

// KeyMetadata contains information that influences key generation
type KeyMetadata struct {
	FileName string
	MimeType string
	AppID    string
	UserID   string

	// IsOriginal is false for optimized renditions
	IsOriginal bool
	Variant    string // "thumbnail_256", "compressed", ...
}

// FlatGenerator places every object of a file under one directory:
// F/{fileID}/{objectID}[/{filename}]
type FlatGenerator struct{}

func NewFlatGenerator() *FlatGenerator {
	return &FlatGenerator{}
}

func (g *FlatGenerator) GenerateKey(fileID, objectID uuid.UUID, metadata *KeyMetadata) string {
	if metadata != nil && metadata.FileName != "" {
		return fmt.Sprintf("F/%s/%s/%s", fileID, objectID, sanitizeFilename(metadata.FileName))
	}
	return fmt.Sprintf("F/%s/%s", fileID, objectID)
}

// GitLikeGenerator shards objects by the leading hex characters of objectID
// and separates originals from optimized renditions.
// Original:  originals/objects/ab/cd1234ef5678_filename
// Optimized: optimized/{variant}/objects/ab/cd1234ef5678_filename
type GitLikeGenerator struct {
	// ShardLength controls how many characters to use for sharding (default: 2)
	ShardLength int
}

func NewGitLikeGenerator() *GitLikeGenerator {
	return &GitLikeGenerator{ShardLength: 2}
}

func (g *GitLikeGenerator) GenerateKey(fileID, objectID uuid.UUID, metadata *KeyMetadata) string {
	hex := strings.ReplaceAll(objectID.String(), "-", "")
	shard := g.ShardLength
	if shard <= 0 || shard > len(hex) {
		shard = 2
	}
	shardDir, remaining := hex[:shard], hex[shard:]

	filename := remaining
	if metadata != nil && metadata.FileName != "" {
		filename = remaining + "_" + sanitizeFilename(metadata.FileName)
	}

	prefix := "originals/objects/" + shardDir
	if metadata != nil && !metadata.IsOriginal {
		variant := "default"
		if metadata.Variant != "" {
			variant = sanitizePathComponent(metadata.Variant)
		}
		prefix = fmt.Sprintf("optimized/%s/objects/%s", variant, shardDir)
	}
	return prefix + "/" + filename
}

// TenantAwareGenerator prefixes another generator's keys with the owning
// application: apps/{app}/...
type TenantAwareGenerator struct {
	Base       Generator
	DefaultApp string
}

func NewTenantAwareGenerator() *TenantAwareGenerator {
	return &TenantAwareGenerator{Base: NewGitLikeGenerator(), DefaultApp: "default"}
}

func (g *TenantAwareGenerator) GenerateKey(fileID, objectID uuid.UUID, metadata *KeyMetadata) string {
	app := g.DefaultApp
	if metadata != nil && metadata.AppID != "" {
		app = sanitizePathComponent(metadata.AppID)
	}
	return path.Join("apps", app, g.Base.GenerateKey(fileID, objectID, metadata))
}

// New returns the generator registered under name: "flat", "git-like" or
// "tenant-aware".
func New(name string) (Generator, error) {
	switch strings.ToLower(name) {
	case "", "git-like", "gitlike":
		return NewGitLikeGenerator(), nil
	case "tenant-aware", "tenant":
		return NewTenantAwareGenerator(), nil
	case "flat", "legacy":
		return NewFlatGenerator(), nil
	default:
		return nil, fmt.Errorf("unknown object key generator %q", name)
	}
}

// ReplaceExtension swaps the extension of filename for the one matching
// mimeType. Unknown mime types keep the name unchanged.
func ReplaceExtension(filename, mimeType string) string {
	ext, ok := extensions[mimeType]
	if !ok || filename == "" {
		return filename
	}
	return strings.TrimSuffix(filename, path.Ext(filename)) + ext
}

var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

var unsafeChars = strings.NewReplacer(
	"/", "_",
	"\\", "_",
	":", "_",
	"*", "_",
	"?", "_",
	"\"", "_",
	"<", "_",
	">", "_",
	"|", "_",
	" ", "_",
)

func sanitizeFilename(filename string) string {
	return unsafeChars.Replace(filename)
}

func sanitizePathComponent(component string) string {
	return strings.ToLower(unsafeChars.Replace(component))
}
