package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/i474232898/digitaltwin-dataspace/internal/archive"
	"github.com/i474232898/digitaltwin-dataspace/internal/artifact"
	"github.com/i474232898/digitaltwin-dataspace/internal/component"
	"github.com/i474232898/digitaltwin-dataspace/internal/index"
)

// Repository is the part of artifact.Repository the routes use.
type Repository interface {
	WriteResult(ctx context.Context, req artifact.WriteRequest) (index.Record, error)
	WriteArchive(ctx context.Context, dataset, description string, data []byte, classifier *archive.Classifier) (artifact.ArchiveResult, error)
	DeleteResult(ctx context.Context, dataset, locator string) error
	DeleteArchive(ctx context.Context, dataset, locator string) error
	Latest(ctx context.Context, dataset string, t time.Time) (artifact.Artifact, error)
	List(ctx context.Context, dataset string, t time.Time, limit int) ([]index.Record, error)
	Verify(ctx context.Context, dataset string, limit int) ([]index.Record, error)
}

type handlers struct {
	repo       Repository
	classifier *archive.Classifier
	logger     *zap.Logger
	now        func() time.Time
}

// RegisterRoutes mounts the catalog endpoint and one route group per
// component, shaped by the component's kind.
func RegisterRoutes(app *fiber.App, repo Repository, catalog *component.Catalog, classifier *archive.Classifier, logger *zap.Logger) {
	h := &handlers{
		repo:       repo,
		classifier: classifier,
		logger:     logger.With(zap.String("component", "http")),
		now:        time.Now,
	}

	app.Get("/components", func(c *fiber.Ctx) error {
		return c.JSON(catalog.Entries())
	})

	for _, e := range catalog.Entries() {
		name := e.Config.Name
		g := app.Group("/" + name)

		switch e.Kind {
		case component.KindCollector:
			g.Get("/", h.latest(name))
			g.Get("/all", h.list(name))
			g.Delete("/delete", h.delete(name, repo.DeleteResult))
		case component.KindAssets:
			g.Get("/", h.assets(name, nil))
			g.Post("/upload", h.uploadAsset(name, e.Config.ContentType))
			g.Delete("/delete", h.delete(name, repo.DeleteResult))
		case component.KindTileset:
			g.Get("/", h.assets(name, h.isManifest))
			g.Post("/upload", h.uploadTileset(name))
			// a tileset goes with every file of its archive
			g.Delete("/delete", h.delete(name, repo.DeleteArchive))
		}
		g.Get("/verify", h.verify(name))
	}
}

// latest serves the raw bytes of the newest artifact with its declared media
// type; 204 when there is none yet.
func (h *handlers) latest(dataset string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		q, err := bindReadQuery(c, h.now())
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		a, err := h.repo.Latest(c.UserContext(), dataset, q.Timestamp)
		if err != nil {
			if errors.Is(err, artifact.ErrNotFound) {
				return c.SendStatus(fiber.StatusNoContent)
			}
			return h.toHTTPError(err, dataset)
		}

		c.Set(fiber.HeaderContentType, a.Record.Type)
		c.Set(fiber.HeaderLastModified, a.Record.Date.UTC().Format(http.TimeFormat))
		return c.Send(a.Data)
	}
}

func (h *handlers) list(dataset string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		q, err := bindReadQuery(c, h.now())
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		recs, err := h.repo.List(c.UserContext(), dataset, q.Timestamp, q.Limit)
		if err != nil {
			return h.toHTTPError(err, dataset)
		}
		return c.JSON(recs)
	}
}

type assetView struct {
	URL         string    `json:"url"`
	Description string    `json:"description"`
	Date        time.Time `json:"date"`
}

// assets lists uploaded artifacts; keep filters rows when set.
func (h *handlers) assets(dataset string, keep func(index.Record) bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		q, err := bindReadQuery(c, h.now())
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		recs, err := h.repo.List(c.UserContext(), dataset, q.Timestamp, q.Limit)
		if err != nil {
			return h.toHTTPError(err, dataset)
		}

		out := make([]assetView, 0, len(recs))
		for _, r := range recs {
			if keep != nil && !keep(r) {
				continue
			}
			v := assetView{URL: r.Locator, Date: r.Date}
			if r.Description != nil {
				v.Description = *r.Description
			}
			out = append(out, v)
		}
		return c.JSON(out)
	}
}

func (h *handlers) isManifest(r index.Record) bool {
	return h.classifier.IsManifest(path.Base(r.Locator))
}

// uploadAsset stores the file under its own name. The part's Content-Type
// wins over the component's declared one.
func (h *handlers) uploadAsset(dataset, contentType string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		up, err := readUpload(c)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if up.mediaType == "" {
			up.mediaType = contentType
		}
		if up.mediaType == "" {
			up.mediaType = fiber.MIMEOctetStream
		}
		id := uuid.NewString()

		rec, err := h.repo.WriteResult(c.UserContext(), artifact.WriteRequest{
			Dataset:     dataset,
			MediaType:   up.mediaType,
			Data:        up.data,
			Description: up.description,
			SubPath:     up.filename,
		})
		if err != nil {
			return h.toHTTPError(err, dataset)
		}

		h.logger.Info("asset uploaded",
			zap.String("upload_id", id),
			zap.String("dataset", dataset),
			zap.String("locator", rec.Locator),
			zap.Int("size", len(up.data)),
		)
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{
			"upload_id": id,
			"record":    rec,
		})
	}
}

func (h *handlers) uploadTileset(dataset string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		up, err := readUpload(c)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		id := uuid.NewString()

		res, err := h.repo.WriteArchive(c.UserContext(), dataset, up.description, up.data, h.classifier)
		if err != nil {
			return h.toHTTPError(err, dataset)
		}

		h.logger.Info("tileset uploaded",
			zap.String("upload_id", id),
			zap.String("dataset", dataset),
			zap.Int("manifests", len(res.Manifests)),
			zap.Int("assets", len(res.Assets)),
		)
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{
			"upload_id": id,
			"timestamp": res.Timestamp,
			"manifests": res.Manifests,
			"assets":    len(res.Assets),
		})
	}
}

type deleteFunc func(ctx context.Context, dataset, locator string) error

func (h *handlers) delete(dataset string, remove deleteFunc) fiber.Handler {
	return func(c *fiber.Ctx) error {
		q := deleteQuery{URL: c.Query("url")}
		if err := validate.Struct(q); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "url query parameter is required")
		}
		if err := remove(c.UserContext(), dataset, q.URL); err != nil {
			return h.toHTTPError(err, dataset)
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

func (h *handlers) verify(dataset string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		q, err := bindReadQuery(c, h.now())
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		missing, err := h.repo.Verify(c.UserContext(), dataset, q.Limit)
		if err != nil {
			return h.toHTTPError(err, dataset)
		}
		if missing == nil {
			missing = []index.Record{}
		}
		return c.JSON(fiber.Map{"dataset": dataset, "missing": missing})
	}
}

// toHTTPError maps the artifact error taxonomy onto status codes.
func (h *handlers) toHTTPError(err error, dataset string) error {
	switch {
	case errors.Is(err, artifact.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, artifact.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, "no matching artifact")
	case errors.Is(err, artifact.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, artifact.ErrConsistency):
		h.logger.Error("storage inconsistency", zap.String("dataset", dataset), zap.Error(err))
		return fiber.NewError(fiber.StatusInternalServerError, "artifact storage is inconsistent")
	default:
		h.logger.Error("request failed", zap.String("dataset", dataset), zap.Error(err))
		return fiber.NewError(fiber.StatusInternalServerError, "failed to process request")
	}
}

type upload struct {
	filename    string
	mediaType   string
	description string
	data        []byte
}

func readUpload(c *fiber.Ctx) (upload, error) {
	fh, err := c.FormFile("file")
	if err != nil {
		return upload{}, errors.New("multipart field \"file\" is required")
	}
	f, err := fh.Open()
	if err != nil {
		return upload{}, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return upload{}, err
	}

	return upload{
		filename:    path.Base(fh.Filename),
		mediaType:   fh.Header.Get(fiber.HeaderContentType),
		description: c.FormValue("description"),
		data:        data,
	}, nil
}
