// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

package portal

import (
	"context"
	"fmt"

	"github.com/miscworks/linebridge/lib/mediakey"
	"github.com/miscworks/linebridge/lib/ref"
	"github.com/miscworks/linebridge/messaging"
	"github.com/miscworks/linebridge/store"
)

// uploadRemoteMedia fetches remote content and uploads it to the
// homeserver. Plaintext uploads are deduplicated by content key, so
// the same remote media uploads once and later references reuse the
// stored mxc URI. Encrypted uploads are never cached: each room gets
// its own ciphertext and key.
func (p *Portal) uploadRemoteMedia(ctx context.Context, remote RemoteClient, location, mediaID string, encrypt bool) (ref.ContentURI, *messaging.EncryptedFile, *messaging.ImageInfo, error) {
	key := mediakey.ForMedia(mediaID, location)

	if !encrypt {
		cached, err := p.deps.Store.MediaByKey(ctx, key)
		if err != nil {
			return ref.ContentURI{}, nil, nil, fmt.Errorf("portal: checking media cache: %w", err)
		}
		if cached != nil {
			info := &messaging.ImageInfo{MimeType: cached.Mime, Size: cached.Size}
			return cached.MXC, nil, info, nil
		}
	}

	image, err := remote.ReadImage(ctx, location)
	if err != nil {
		return ref.ContentURI{}, nil, nil, fmt.Errorf("portal: fetching media: %w", err)
	}
	info := &messaging.ImageInfo{MimeType: image.Mime, Size: len(image.Data)}

	if encrypt {
		ciphertext, file, err := messaging.EncryptAttachment(image.Data)
		if err != nil {
			return ref.ContentURI{}, nil, nil, fmt.Errorf("portal: encrypting media: %w", err)
		}
		mxc, err := p.deps.Matrix.UploadMedia(ctx, ciphertext, "application/octet-stream", "")
		if err != nil {
			return ref.ContentURI{}, nil, nil, fmt.Errorf("portal: uploading media: %w", err)
		}
		file.URL = mxc.String()
		return ref.ContentURI{}, file, info, nil
	}

	mxc, err := p.deps.Matrix.UploadMedia(ctx, image.Data, image.Mime, "")
	if err != nil {
		return ref.ContentURI{}, nil, nil, fmt.Errorf("portal: uploading media: %w", err)
	}
	err = p.deps.Store.InsertMedia(ctx, &store.Media{
		Key:  key,
		MXC:  mxc,
		Mime: image.Mime,
		Size: len(image.Data),
	})
	if err != nil {
		return ref.ContentURI{}, nil, nil, fmt.Errorf("portal: recording media upload: %w", err)
	}
	return mxc, nil, info, nil
}
