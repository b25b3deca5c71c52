package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"

	"ms-landmarket/internal/config"
)

type m2mTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// GetM2MToken retrieves a machine-to-machine token from Keycloak
func GetM2MToken(cfg config.AuthConfig, client *http.Client) (string, int, error) {
	tokenURL := fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", cfg.KeycloakURL, cfg.Realm)
	log.Printf("Requesting M2M token from: %s", tokenURL)

	data := url.Values{}
	data.Set("grant_type", "client_credentials")
	data.Set("client_id", cfg.ClientID)
	data.Set("client_secret", cfg.ClientSecret)

	req, _ := http.NewRequest("POST", tokenURL, strings.NewReader(data.Encode()))
	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		log.Printf("HTTP request to Keycloak failed: %v", err)
		return "", 0, err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			log.Printf("Error closing response body: %v", cerr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		log.Printf("Keycloak token response body: %s", string(bodyBytes))
		return "", 0, fmt.Errorf("failed to get token, status: %s", resp.Status)
	}

	var tokenResp m2mTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", 0, err
	}

	return tokenResp.AccessToken, tokenResp.ExpiresIn, nil
}

// M2MTokenSource hands out a service token, refreshing through Keycloak
// when the cached one is gone or stale.
type M2MTokenSource struct {
	Config config.AuthConfig
	Cache  *RedisTokenCache
	Client *http.Client
}

func (s *M2MTokenSource) Token(ctx context.Context) (string, error) {
	if s.Cache != nil {
		cached, err := s.Cache.GetToken(ctx)
		if err == nil && cached != nil {
			return cached.Token, nil
		}
	}

	token, expiresIn, err := GetM2MToken(s.Config, s.Client)
	if err != nil {
		return "", err
	}
	if s.Cache != nil {
		if err := s.Cache.SetToken(ctx, token, expiresIn); err != nil {
			log.Printf("Failed to cache M2M token: %v", err)
		}
	}
	return token, nil
}
