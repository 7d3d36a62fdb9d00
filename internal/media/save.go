package media

import (
	"encoding/base64"
	"fmt"
	"path"

	"github.com/google/uuid"

	"github.com/youruser/quill/internal/config"
	"github.com/youruser/quill/internal/vault"
)

// SaveImage stores a generated PNG and returns the markdown that embeds it.
// In attachment mode the file goes to dir under a random name and a wiki
// embed is returned; in inline mode nothing is written and the image is
// embedded as a data URL.
func SaveImage(store vault.Store, dir, mode string, png []byte) (string, error) {
	if mode == config.SaveInline {
		return "![](data:image/png;base64," + base64.StdEncoding.EncodeToString(png) + ")", nil
	}

	if dir != "" {
		if err := store.CreateFolder(dir); err != nil {
			return "", fmt.Errorf("create attachment folder %s: %w", dir, err)
		}
	}
	name, err := store.AvailablePath(path.Join(dir, uuid.NewString()), ".png")
	if err != nil {
		return "", err
	}
	if err := store.CreateBinary(name, png); err != nil {
		return "", fmt.Errorf("save image: %w", err)
	}
	log.Info("saved generated image to %s (%d bytes)", name, len(png))
	return "![[" + name + "]]", nil
}
