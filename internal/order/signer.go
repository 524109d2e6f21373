package order

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"marketrun/internal/market"
)

// ErrBadSignature 表示签名块与订单内容或 owner 不符。
var ErrBadSignature = errors.New("bad order signature")

// SignatureSize 是签名块长度：32 字节公钥后接 64 字节 ed25519 签名。
// owner 地址只是公钥的哈希，验证方需要从签名块中取回公钥。
const SignatureSize = ed25519.PublicKeySize + ed25519.SignatureSize

// Signer 是签名能力的抽象：硬件钱包、内存密钥或远程签名服务都可以实现。
// Sign 返回的签名块须为公钥后接签名，Verify 依此校验。
type Signer interface {
	Address() market.Address
	Sign(digest []byte) ([]byte, error)
}

// Sign 对订单的规范哈希签名。签名是纯函数：相同输入得到相同签名，不访问网络。
// owner 为空时填入签名者地址；不一致时拒绝签名。
func Sign(o market.Order, s Signer) (market.Order, error) {
	if s == nil {
		return market.Order{}, errors.New("signer required")
	}
	addr := s.Address().Canonical()
	if o.Owner.IsZero() {
		o.Owner = addr
	} else if o.Owner.Canonical() != addr {
		return market.Order{}, &market.ParamError{
			Kind: o.Kind,
			Err:  fmt.Errorf("owner %s does not match signer %s", o.Owner.Canonical(), addr),
		}
	}
	o.Signature = nil
	digest := o.Hash()
	sig, err := s.Sign(digest[:])
	if err != nil {
		return market.Order{}, fmt.Errorf("sign %s order: %w", o.Kind, err)
	}
	o.Signature = sig
	if err := Verify(o); err != nil {
		return market.Order{}, fmt.Errorf("sign %s order: %w", o.Kind, err)
	}
	return o, nil
}

// Verify 从签名块取出公钥，确认其地址就是 owner 且签名覆盖订单的规范哈希。
func Verify(o market.Order) error {
	if len(o.Signature) != SignatureSize {
		return fmt.Errorf("%w: %s order carries %d signature bytes, want %d", ErrBadSignature, o.Kind, len(o.Signature), SignatureSize)
	}
	pub := ed25519.PublicKey(o.Signature[:ed25519.PublicKeySize])
	if addr := market.AddressFromPublicKey(pub); o.Owner.Canonical() != addr {
		return fmt.Errorf("%w: signed by %s, owner is %s", ErrBadSignature, addr, o.Owner.Canonical())
	}
	digest := o.Hash()
	if !ed25519.Verify(pub, digest[:], o.Signature[ed25519.PublicKeySize:]) {
		return fmt.Errorf("%w: %s order %s does not match its signature", ErrBadSignature, o.Kind, o.Short())
	}
	return nil
}

// KeySigner 使用内存中的 ed25519 私钥签名。
type KeySigner struct {
	priv ed25519.PrivateKey
	addr market.Address
}

// NewKeySigner 接受 32 字节种子或 64 字节私钥。
func NewKeySigner(key []byte) (*KeySigner, error) {
	var priv ed25519.PrivateKey
	switch len(key) {
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(key)
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(append([]byte(nil), key...))
	default:
		return nil, fmt.Errorf("ed25519 key: want %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(key))
	}
	pub := priv.Public().(ed25519.PublicKey)
	return &KeySigner{priv: priv, addr: market.AddressFromPublicKey(pub)}, nil
}

// GenerateKeySigner 生成新的随机密钥。
func GenerateKeySigner() (*KeySigner, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return NewKeySigner(priv)
}

// LoadKeySigner 读取 base64 编码的密钥文件。
func LoadKeySigner(path string) (*KeySigner, error) {
	key, err := readKeyFile(path)
	if err != nil {
		return nil, err
	}
	return NewKeySigner(key)
}

// Address 返回公钥派生的 owner 地址。
func (k *KeySigner) Address() market.Address { return k.addr }

// PublicKey 返回 ed25519 公钥。
func (k *KeySigner) PublicKey() ed25519.PublicKey { return k.priv.Public().(ed25519.PublicKey) }

// Sign 返回公钥与 digest 签名拼接而成的签名块。
func (k *KeySigner) Sign(digest []byte) ([]byte, error) {
	blob := make([]byte, 0, SignatureSize)
	blob = append(blob, k.PublicKey()...)
	return append(blob, ed25519.Sign(k.priv, digest)...), nil
}

// EncodeKey 返回可写入密钥文件的 base64 种子。
func (k *KeySigner) EncodeKey() string {
	return base64.RawURLEncoding.EncodeToString(k.priv.Seed())
}

// FileSigner 每次签名时才从磁盘读取私钥，用完即清零，不在内存中长期保留密钥。
type FileSigner struct {
	path string
	addr market.Address
}

// NewFileSigner 读取一次密钥以确定地址，随后只保留公开信息。
func NewFileSigner(path string) (*FileSigner, error) {
	k, err := LoadKeySigner(path)
	if err != nil {
		return nil, err
	}
	defer wipe(k.priv)
	return &FileSigner{path: path, addr: k.addr}, nil
}

// Address 返回密钥文件对应的 owner 地址。
func (f *FileSigner) Address() market.Address { return f.addr }

// Sign 重新读取密钥文件并签名，密钥文件被替换成其他地址时拒绝。
func (f *FileSigner) Sign(digest []byte) ([]byte, error) {
	k, err := LoadKeySigner(f.path)
	if err != nil {
		return nil, err
	}
	defer wipe(k.priv)
	if k.addr != f.addr {
		return nil, fmt.Errorf("key file %s changed: address %s, expected %s", f.path, k.addr, f.addr)
	}
	return k.Sign(digest)
}

func readKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	txt := strings.TrimSpace(string(data))
	for _, enc := range []*base64.Encoding{base64.RawURLEncoding, base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding} {
		if key, err := enc.DecodeString(txt); err == nil {
			return key, nil
		}
	}
	return nil, fmt.Errorf("key file %s: not base64", path)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
