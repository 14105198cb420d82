package containerd

import (
	"context"
	"errors"
	"fmt"
	"os"

	containerd "github.com/containerd/containerd/v2/client"
	transferimage "github.com/containerd/containerd/v2/core/transfer/image"
	"github.com/containerd/containerd/v2/core/transfer/registry"
	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
)

// EnsureImage makes the backend image available locally, pulling it once.
func (r *Runtime) EnsureImage(ctx context.Context, image string) error {
	_, err := r.image(ctx, image, "")
	return err
}

// image resolves a local image, unpacking it for snapshotter when one is
// named. Rootless daemons cannot unpack, so they only use the transfer service.
func (r *Runtime) image(ctx context.Context, ref, snapshotter string) (containerd.Image, error) {
	if blank(ref) {
		return nil, errors.New("image is required")
	}
	log := r.logger(ctx).With("image", ref)
	ctx = r.withNamespace(ctx)
	rootless := os.Geteuid() != 0

	img, err := r.client.GetImage(ctx, ref)
	switch {
	case err == nil:
		if snapshotter == "" || rootless {
			return img, nil
		}
		if err := img.Unpack(ctx, snapshotter); err != nil && !errdefs.IsAlreadyExists(err) {
			log.Warn("containerd image unpack failed", "snapshotter", snapshotter, "err", err)
			return nil, err
		}
		return img, nil
	case !errdefs.IsNotFound(err):
		log.Warn("containerd image lookup failed", "err", err)
		return nil, err
	}

	pullCtx, cancel := context.WithTimeout(ctx, r.pullTimeout)
	defer cancel()
	log.Info("containerd image pull start", "rootless", rootless, "timeout", r.pullTimeout)
	img, transferErr := r.transferPull(pullCtx, ref, snapshotter, !rootless)
	if transferErr == nil {
		log.Info("containerd image pull ok", "method", "transfer")
		return img, nil
	}
	if rootless {
		log.Warn("containerd image pull failed", "method", "transfer", "err", transferErr)
		return nil, fmt.Errorf("pull %s: %w", ref, transferErr)
	}
	log.Debug("containerd image pull fallback", "method", "pull", "err", transferErr)

	opts := []containerd.RemoteOpt{containerd.WithPullUnpack}
	if snapshotter != "" {
		opts = append(opts, containerd.WithPullSnapshotter(snapshotter))
	}
	img, err = r.client.Pull(pullCtx, ref, opts...)
	if err != nil {
		log.Warn("containerd image pull failed", "method", "pull", "err", err)
		return nil, fmt.Errorf("pull %s: %w", ref, errors.Join(transferErr, err))
	}
	log.Info("containerd image pull ok", "method", "pull")
	return img, nil
}

func (r *Runtime) transferPull(ctx context.Context, ref, snapshotter string, unpack bool) (containerd.Image, error) {
	var storeOpts []transferimage.StoreOpt
	if unpack {
		storeOpts = append(storeOpts, transferimage.WithUnpack(platforms.DefaultSpec(), snapshotter))
	}
	source, err := registry.NewOCIRegistry(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := r.client.Transfer(ctx, source, transferimage.NewStore(ref, storeOpts...)); err != nil {
		return nil, err
	}
	return r.client.GetImage(ctx, ref)
}
