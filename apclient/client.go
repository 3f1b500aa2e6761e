// Package apclient talks to remote ActivityPub servers on behalf of the bot:
// signed fetches of actors and objects, WebFinger resolution, and inbox
// delivery.
package apclient

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/pkg/errors"
	"github.com/totegamma/httpsig"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/fedikit/botkit/store"
	"github.com/fedikit/botkit/types"
)

var (
	UserAgent = "BotKit/1.0 (+https://github.com/fedikit/botkit)"
)

var tracer = otel.Tracer("apclient")

// ApClient is a signed HTTP client for federation traffic. Remote actor
// documents are cached in memcached for half an hour.
type ApClient struct {
	mc     *memcache.Client
	repo   store.Repository
	config types.BotConfig
}

func NewApClient(
	mc *memcache.Client,
	repo store.Repository,
	config types.BotConfig,
) *ApClient {
	return &ApClient{
		mc,
		repo,
		config,
	}
}

func (c *ApClient) keyID() string {
	return c.config.ActorURL() + "#main-key"
}

// loadKey resolves the bot's RSA signing key from the persisted key pair set.
func (c *ApClient) loadKey(ctx context.Context) (*rsa.PrivateKey, error) {
	pairs, err := c.repo.GetKeyPairs(ctx)
	if err != nil {
		return nil, err
	}
	if pairs == nil {
		return nil, errors.New("key pairs not initialized")
	}

	for _, pair := range pairs {
		key, err := jwk.ParseKey(pair.Private)
		if err != nil {
			return nil, errors.Wrap(err, "parse private jwk")
		}
		if key.KeyType() != jwa.RSA {
			continue
		}
		var priv rsa.PrivateKey
		if err := key.Raw(&priv); err != nil {
			return nil, errors.Wrap(err, "materialize rsa key")
		}
		return &priv, nil
	}

	return nil, errors.New("no rsa key pair available")
}

func (c *ApClient) sign(ctx context.Context, req *http.Request, body []byte) error {
	priv, err := c.loadKey(ctx)
	if err != nil {
		return err
	}

	prefs := []httpsig.Algorithm{httpsig.RSA_SHA256}
	digestAlgorithm := httpsig.DigestSha256
	headersToSign := []string{httpsig.RequestTarget, "date", "host"}
	if body != nil {
		headersToSign = []string{httpsig.RequestTarget, "date", "digest", "host"}
	}
	signer, _, err := httpsig.NewSigner(prefs, digestAlgorithm, headersToSign, httpsig.Signature, 0)
	if err != nil {
		return err
	}
	return signer.SignRequest(priv, c.keyID(), req, body)
}

// FetchObject fetches an ActivityPub object from a remote server.
func (c *ApClient) FetchObject(ctx context.Context, objectID string) (*types.RawObject, error) {
	ctx, span := tracer.Start(ctx, "FetchObject")
	defer span.End()

	req, err := http.NewRequest("GET", objectID, nil)
	if err != nil {
		return nil, err
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Host", req.URL.Host)
	client := new(http.Client)

	if err := c.sign(ctx, req, nil); err != nil {
		log.Println(err)
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return types.LoadAsRawObject(body)
}

// FetchActor fetches an actor document from a remote server, through the
// memcached cache when possible.
func (c *ApClient) FetchActor(ctx context.Context, actor string) (*types.RawObject, error) {
	ctx, span := tracer.Start(ctx, "FetchActor")
	defer span.End()

	// try cache
	cache, err := c.mc.Get(actor)
	if err == nil {
		person, err := types.LoadAsRawObject(cache.Value)
		if err == nil {
			return person, nil
		}
	}

	person, err := c.FetchObject(ctx, actor)
	if err != nil {
		log.Println(err)
		return person, err
	}

	// cache
	personBytes, err := json.Marshal(person.GetData())
	if err == nil {
		c.mc.Set(&memcache.Item{
			Key:        actor,
			Value:      personBytes,
			Expiration: 1800, // 30 minutes
		})
	}

	return person, nil
}

// ResolveActor resolves an actor URL from @user@domain notation via
// WebFinger.
func ResolveActor(ctx context.Context, id string) (string, error) {
	_, span := tracer.Start(ctx, "ResolveActor")
	defer span.End()

	if id[0] == '@' {
		id = id[1:]
	}

	split := strings.Split(id, "@")
	if len(split) != 2 {
		return "", fmt.Errorf("invalid id")
	}

	domain := split[1]

	targetlink := "https://" + domain + "/.well-known/webfinger?resource=acct:" + id

	var webfinger types.WebFinger
	req, err := http.NewRequest("GET", targetlink, nil)
	if err != nil {
		return "", err
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	req.Header.Set("Accept", "application/jrd+json")
	req.Header.Set("User-Agent", UserAgent)
	client := new(http.Client)
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	err = json.Unmarshal(body, &webfinger)
	if err != nil {
		return "", err
	}

	var aplink types.WebFingerLink
	for _, link := range webfinger.Links {
		if link.Rel == "self" {
			aplink = link
		}
	}

	if aplink.Href == "" {
		return "", fmt.Errorf("no ap link found")
	}

	return aplink.Href, nil
}

// PostToInbox delivers an activity to a remote inbox.
func (c *ApClient) PostToInbox(ctx context.Context, inbox string, object any) error {
	ctx, span := tracer.Start(ctx, "PostToInbox")
	defer span.End()

	objectBytes, err := json.Marshal(object)
	if err != nil {
		return err
	}

	req, err := http.NewRequest("POST", inbox, bytes.NewBuffer(objectBytes))
	if err != nil {
		return err
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)
	client := new(http.Client)

	if err := c.sign(ctx, req, objectBytes); err != nil {
		log.Println(err)
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		log.Println(err)
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Println(err)
	}
	log.Printf("POST %s [%d]: %s", inbox, resp.StatusCode, string(body))

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return fmt.Errorf("error posting to inbox: %d", resp.StatusCode)
	}

	return nil
}
