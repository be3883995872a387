package provider

import (
	"context"
	"fmt"

	"github.com/ignite/sendpipeline/internal/config"
	"github.com/ignite/sendpipeline/internal/domain"
)

// FromConfig builds a transport for every configured provider, switching on
// the provider type.
func FromConfig(ctx context.Context, entries []config.ProviderConfig) ([]Config, error) {
	out := make([]Config, 0, len(entries))
	for _, e := range entries {
		t, err := newTransport(ctx, e)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", e.Name, err)
		}
		out = append(out, Config{Name: e.Name, Priority: e.Priority, Transport: t})
	}
	return out, nil
}

func newTransport(ctx context.Context, e config.ProviderConfig) (Transport, error) {
	switch domain.ProviderType(e.Type) {
	case domain.ProviderSparkPost:
		return NewSparkPost(e.APIKey, e.BaseURL, e.Timeout()), nil
	case domain.ProviderSendGrid:
		return NewSendGrid(e.APIKey, e.BaseURL), nil
	case domain.ProviderMailgun:
		return NewMailgun(e.Domain, e.APIKey, e.BaseURL), nil
	case domain.ProviderSES:
		return NewSESFromKeys(ctx, e.APIKey, e.SecretKey, e.Region, e.BaseURL)
	case domain.ProviderSMTP:
		return NewSMTP(SMTPConfig{
			Host:          e.Host,
			Port:          e.Port,
			Username:      e.Username,
			Password:      e.Password,
			PoolSize:      e.PoolSize,
			RatePerSecond: e.RatePerSecond,
			DialTimeout:   e.Timeout(),
		}), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", e.Type)
	}
}

// CloseAll releases pooled connections held by any transport.
func CloseAll(providers []Config) {
	for _, p := range providers {
		if c, ok := p.Transport.(Closer); ok {
			c.Close()
		}
	}
}
