package pagecache

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-cache/internal/lock"
	"github.com/any-hub/any-cache/internal/meta"
	"github.com/any-hub/any-cache/internal/storage"
)

// Purge 删除 rawURL 对应的缓存条目、元数据与镜像文件。
// 与请求路径不同，这里的 InvalidKey 与锁超时会原样返回给调用方。
func (p *Pipeline) Purge(ctx context.Context, rawURL string) (string, error) {
	key, err := p.KeyFor(rawURL)
	if err != nil {
		return "", err
	}

	guard, err := p.opts.Locker.Acquire(ctx, lockName(key), lock.Exclusive, p.opts.LockTimeout)
	if err != nil {
		return key, err
	}
	defer guard.Release()

	// 先删元数据，中途失败时残留的正文也不会再被命中。
	if err := p.opts.Metas.Delete(ctx, key); err != nil {
		return key, err
	}
	if err := p.opts.Pages.Delete(ctx, key); err != nil {
		return key, err
	}
	if p.opts.Mirror != nil {
		if err := p.opts.Mirror.Remove(key); err != nil {
			return key, err
		}
	}
	p.opts.Logger.WithFields(logrus.Fields{"action": "purge", "key": key}).Info("cache_purged")
	return key, nil
}

// Lookup 返回缓存键对应的元数据，不存在时 ok 为 false。只读元数据，不解码页面正文。
func (p *Pipeline) Lookup(ctx context.Context, rawURL string) (meta.Meta, bool, error) {
	key, err := p.KeyFor(rawURL)
	if err != nil {
		return meta.Meta{}, false, err
	}
	return p.opts.Metas.Load(ctx, key)
}

// KeyFor 将管理接口传入的 URL 转换为缓存键，空 URL 视为 InvalidKey。
func (p *Pipeline) KeyFor(rawURL string) (string, error) {
	if strings.TrimSpace(rawURL) == "" {
		return "", &storage.Error{Kind: storage.KindInvalidKey, Err: errors.New("empty url")}
	}
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", &storage.Error{Kind: storage.KindInvalidKey, Key: rawURL, Err: err}
	}
	return DeriveKey(p.canonicalURL(u), p.opts.DefaultHost, p.opts.IgnoredQueryParams)
}
