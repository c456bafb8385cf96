package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/pkg/jsonmessage"

	"github.com/flowdeploy/flowdeploy/internal/logging"
	pb "github.com/flowdeploy/flowdeploy/pkg/provider"
)

// ImageConfig describes an image built from a local context and pushed to
// a registry.
type ImageConfig struct {
	Image      string `json:"image"`
	Context    string `json:"context"`
	Dockerfile string `json:"dockerfile,omitempty"`
	Platform   string `json:"platform,omitempty"`
	// ContextDigest fingerprints the build context; a new value triggers a rebuild.
	ContextDigest string `json:"contextDigest,omitempty"`
}

type ImageState struct {
	ID            string `json:"id"`
	Image         string `json:"image"`
	Digest        string `json:"digest"`
	Ref           string `json:"ref"`
	Platform      string `json:"platform"`
	ContextDigest string `json:"contextDigest,omitempty"`
}

// PublishError reports a failed image build or push. Nothing is recorded
// for the image when it is returned.
type PublishError struct {
	Image string
	Stage string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("failed to %s image %s: %v", e.Stage, e.Image, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

func (p *Provider) applyImage(ctx context.Context, cli API, req *pb.ApplyRequest) (*ImageState, error) {
	var desired ImageConfig
	if err := json.Unmarshal(req.DesiredConfigJSON, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired config: %w", err)
	}
	if desired.Image == "" || desired.Context == "" {
		return nil, fmt.Errorf("%s.%s: image and context are required", req.Type, req.Name)
	}
	if desired.Dockerfile == "" {
		desired.Dockerfile = "Dockerfile"
	}
	if desired.Platform == "" {
		desired.Platform = DefaultPlatform
	}

	if err := p.buildImage(ctx, cli, &desired); err != nil {
		return nil, &PublishError{Image: desired.Image, Stage: "build", Err: err}
	}
	digest, err := p.pushImage(ctx, cli, desired.Image)
	if err != nil {
		return nil, &PublishError{Image: desired.Image, Stage: "push", Err: err}
	}
	logging.Info("image published", "image", desired.Image, "digest", digest)

	return &ImageState{
		ID:            digest,
		Image:         desired.Image,
		Digest:        digest,
		Ref:           repository(desired.Image) + "@" + digest,
		Platform:      desired.Platform,
		ContextDigest: desired.ContextDigest,
	}, nil
}

func (p *Provider) buildImage(ctx context.Context, cli API, cfg *ImageConfig) error {
	tar, err := ContextTar(cfg.Context, cfg.Dockerfile)
	if err != nil {
		return err
	}
	defer tar.Close()

	dockerfile := cfg.Dockerfile
	if filepath.IsAbs(dockerfile) {
		if dockerfile, err = filepath.Rel(cfg.Context, dockerfile); err != nil {
			return fmt.Errorf("dockerfile must be inside the build context: %w", err)
		}
	}

	resp, err := cli.ImageBuild(ctx, tar, types.ImageBuildOptions{
		Tags:        []string{cfg.Image},
		Dockerfile:  filepath.ToSlash(dockerfile),
		Platform:    cfg.Platform,
		Remove:      true,
		ForceRemove: true,
		PullParent:  true,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return drain(resp.Body, p.out())
}

// pushImage pushes ref and returns the digest the registry reported.
func (p *Provider) pushImage(ctx context.Context, cli API, ref string) (string, error) {
	auth, err := p.registryAuth(ctx)
	if err != nil {
		return "", err
	}

	body, err := cli.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: auth})
	if err != nil {
		return "", err
	}
	defer body.Close()

	var digest string
	aux := func(msg jsonmessage.JSONMessage) {
		if msg.Aux == nil {
			return
		}
		var result struct {
			Tag    string `json:"Tag"`
			Digest string `json:"Digest"`
		}
		if err := json.Unmarshal(*msg.Aux, &result); err == nil && result.Digest != "" {
			digest = result.Digest
		}
	}
	if err := jsonmessage.DisplayJSONMessagesStream(body, p.out(), 0, false, aux); err != nil {
		return "", err
	}
	if digest == "" {
		return "", errors.New("registry did not report a digest")
	}
	return digest, nil
}

// registryAuth encodes an Artifact Registry credential from Google
// default credentials.
func (p *Provider) registryAuth(ctx context.Context) (string, error) {
	if p.tokenSource == nil {
		return "", nil
	}
	ts, err := p.tokenSource(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to find Google credentials: %w", err)
	}
	tok, err := ts.Token()
	if err != nil {
		return "", fmt.Errorf("failed to get access token: %w", err)
	}
	return registry.EncodeAuthConfig(registry.AuthConfig{
		Username: "oauth2accesstoken",
		Password: tok.AccessToken,
	})
}

// repository strips the tag from an image reference.
func repository(ref string) string {
	if i := strings.LastIndex(ref, ":"); i > strings.LastIndex(ref, "/") {
		return ref[:i]
	}
	return ref
}

// drain copies a progress stream to w. An error message in the stream is
// returned as an error.
func drain(r io.Reader, w io.Writer) error {
	return jsonmessage.DisplayJSONMessagesStream(r, w, 0, false, nil)
}
