package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"image/color"
	"io/fs"
	"log"
	"os"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/ebitenutil"
	"github.com/hajimehoshi/ebiten/v2/inpututil"
	"github.com/hajimehoshi/ebiten/v2/vector"
	"go.uber.org/zap"

	"github.com/example/images-restore/internal/backend"
	"github.com/example/images-restore/internal/config"
	"github.com/example/images-restore/internal/logging"
	"github.com/example/images-restore/internal/restorer"
	"github.com/example/images-restore/internal/slider"
	"github.com/example/images-restore/internal/ui"
	"github.com/example/images-restore/internal/upload"
	"github.com/example/images-restore/internal/viewport"
	"github.com/example/images-restore/internal/workflow"
)

const (
	statusBarHeight = 20
	handleWidth     = 4
	knobRadius      = 16
)

var (
	backgroundColor = color.RGBA{R: 0x1e, G: 0x1e, B: 0x24, A: 0xff}
	handleColor     = color.White
	labelBackground = color.RGBA{A: 0x80}
)

// Game is the ebiten viewer: it feeds input to the slider and draws both
// layers split at the handle.
type Game struct {
	ctx    context.Context
	logger *zap.Logger
	flow   *workflow.Workflow

	doc        *slider.Document
	surface    *viewport.Surface
	translator ui.Translator

	// images the textures below were built from
	shownOriginal *upload.Image
	shownRestored *upload.Image
	beforeTex     *ebiten.Image
	afterTex      *ebiten.Image
	toDeallocate  []*ebiten.Image

	screenW, screenH int
	notice           string
}

// pollInput gathers all raw input events for the current frame.
func (g *Game) pollInput() ui.InputState {
	mx, my := ebiten.CursorPosition()
	in := ui.InputState{
		Quit:         inpututil.IsKeyJustPressed(ebiten.KeyQ) || inpututil.IsKeyJustPressed(ebiten.KeyEscape),
		Restore:      inpututil.IsKeyJustPressed(ebiten.KeyEnter),
		Retry:        inpututil.IsKeyJustPressed(ebiten.KeyR),
		Reset:        inpututil.IsKeyJustPressed(ebiten.KeyN),
		Download:     inpututil.IsKeyJustPressed(ebiten.KeyD),
		MousePressed: ebiten.IsMouseButtonPressed(ebiten.MouseButtonLeft),
		MouseX:       mx,
		MouseY:       my,
	}
	for _, id := range ebiten.AppendTouchIDs(nil) {
		x, y := ebiten.TouchPosition(id)
		in.Touches = append(in.Touches, ui.TouchPoint{ID: int(id), X: x, Y: y})
	}
	for _, id := range inpututil.AppendJustReleasedTouchIDs(nil) {
		in.Released = append(in.Released, int(id))
	}
	return in
}

func (g *Game) Update() error {
	for _, img := range g.toDeallocate {
		img.Deallocate()
	}
	g.toDeallocate = nil

	g.handleDrop()

	input := g.pollInput()
	if input.Quit {
		return ebiten.Termination
	}

	snap := g.flow.Snapshot()
	g.syncTextures(snap)

	g.surface.SetRect(g.imageRect())
	g.surface.Machine().SetEnabled(snap.State == workflow.Completed && g.afterTex != nil)
	g.translator.Dispatch(g.doc, input)

	switch {
	case input.Restore && snap.State == workflow.Idle && snap.Original != nil:
		g.notice = ""
		go g.process()
	case input.Retry:
		g.flow.Retry()
	case input.Reset:
		g.notice = ""
		g.flow.Reset()
	case input.Download && snap.State == workflow.Completed:
		g.download(snap.Restored)
	}
	return nil
}

func (g *Game) process() {
	if err := g.flow.Process(g.ctx); err != nil {
		g.logger.Debug("restoration ended with error", zap.Error(err))
	}
}

func (g *Game) handleDrop() {
	files := ebiten.DroppedFiles()
	if files == nil {
		return
	}
	entries, err := fs.ReadDir(files, ".")
	if err != nil || len(entries) == 0 {
		return
	}
	data, err := fs.ReadFile(files, entries[0].Name())
	if err != nil {
		g.flow.Reject(err)
		return
	}
	img, err := upload.FromBytes(data)
	if err != nil {
		g.flow.Reject(err)
		return
	}
	g.notice = ""
	g.flow.Select(img)
}

// syncTextures rebuilds the GPU images whenever the workflow's images change.
func (g *Game) syncTextures(snap workflow.Snapshot) {
	if snap.Original != g.shownOriginal {
		g.beforeTex = g.replace(g.beforeTex, snap.Original)
		g.shownOriginal = snap.Original
	}
	if snap.Restored != g.shownRestored {
		g.afterTex = g.replace(g.afterTex, snap.Restored)
		g.shownRestored = snap.Restored
	}
}

func (g *Game) replace(old *ebiten.Image, img *upload.Image) *ebiten.Image {
	if old != nil {
		g.toDeallocate = append(g.toDeallocate, old)
	}
	if img == nil {
		return nil
	}
	decoded, err := img.Decode()
	if err != nil {
		g.logger.Warn("failed to decode image", zap.Error(err), zap.String("mime", img.MIMEType))
		return nil
	}
	return ebiten.NewImageFromImage(decoded)
}

func (g *Game) download(img *upload.Image) {
	if img == nil {
		return
	}
	name := upload.ResultFileName(img.MIMEType)
	if err := os.WriteFile(name, img.Data, 0o644); err != nil {
		g.logger.Error("failed to save restored image", zap.Error(err))
		g.notice = "Saving failed: " + err.Error()
		return
	}
	g.logger.Info("restored image saved", zap.String("file", name))
	g.notice = "Saved " + name
}

// imageRect fits the original into the area above the status bar.
func (g *Game) imageRect() image.Rectangle {
	if g.beforeTex == nil {
		return image.Rectangle{}
	}
	return viewport.ContainRect(g.beforeTex.Bounds().Size(), image.Rect(0, 0, g.screenW, g.screenH-statusBarHeight))
}

func (g *Game) Draw(screen *ebiten.Image) {
	screen.Fill(backgroundColor)
	snap := g.flow.Snapshot()
	rect := g.surface.Rect()

	if g.beforeTex != nil && !rect.Empty() {
		screen.DrawImage(g.beforeTex, fitOptions(g.beforeTex, rect))

		if snap.State == workflow.Completed && g.afterTex != nil {
			clipX := g.surface.ClipX()
			// the after layer starts at the clip column; the sub-image clips it
			dst := screen.SubImage(image.Rect(clipX, rect.Min.Y, rect.Max.X, rect.Max.Y)).(*ebiten.Image)
			// letterboxed if the restored aspect differs from the original
			dst.DrawImage(g.afterTex, fitOptions(g.afterTex, viewport.ContainRect(g.afterTex.Bounds().Size(), rect)))

			x := float32(clipX)
			vector.DrawFilledRect(screen, x-handleWidth/2, float32(rect.Min.Y), handleWidth, float32(rect.Dy()), handleColor, true)
			vector.DrawFilledCircle(screen, x, float32(rect.Min.Y+rect.Dy()/2), knobRadius, handleColor, true)
		}
	}

	ebitenutil.DebugPrintAt(screen, g.statusLine(snap), 4, g.screenH-statusBarHeight+2)
}

// debug font cell size
const (
	glyphWidth  = 6
	glyphHeight = 16
	labelMargin = 8
)

func labelWidth(label string) int {
	return len(label)*glyphWidth + 8
}

func drawLabel(screen *ebiten.Image, label string, x, y int) {
	vector.DrawFilledRect(screen, float32(x), float32(y), float32(labelWidth(label)), glyphHeight+4, labelBackground, true)
	ebitenutil.DebugPrintAt(screen, label, x+4, y+2)
}

func fitOptions(img *ebiten.Image, rect image.Rectangle) *ebiten.DrawImageOptions {
	op := &ebiten.DrawImageOptions{}
	op.GeoM.Scale(float64(rect.Dx())/float64(img.Bounds().Dx()), float64(rect.Dy())/float64(img.Bounds().Dy()))
	op.GeoM.Translate(float64(rect.Min.X), float64(rect.Min.Y))
	op.Filter = ebiten.FilterLinear
	return op
}

func (g *Game) statusLine(snap workflow.Snapshot) string {
	var line string
	switch snap.State {
	case workflow.Idle:
		if snap.Original == nil {
			line = "Drop a JPG, PNG or WEBP photo (max 5MB) onto the window"
		} else {
			line = "Enter: restore   N: choose another photo"
		}
		if snap.Error != "" {
			line = snap.Error + "   " + line
		}
	case workflow.Processing:
		line = "Restoring..."
	case workflow.Completed:
		line = fmt.Sprintf("Drag to compare (%.0f%%)   D: download   N: new photo", g.surface.Machine().Position())
	case workflow.Failed:
		line = snap.Error + "   R: retry   N: start over"
	}
	if g.notice != "" {
		line += "   " + g.notice
	}
	return line + "   Q: quit"
}

func (g *Game) Layout(outsideWidth, outsideHeight int) (screenWidth, screenHeight int) {
	g.screenW, g.screenH = outsideWidth, outsideHeight
	return outsideWidth, outsideHeight
}

func main() {
	beforePath := flag.String("before", "", "photo to restore")
	afterPath := flag.String("after", "", "already restored photo; skips the restoration call")
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, closeClient, err := backend.New(ctx, cfg, logger)
	switch {
	case errors.Is(err, restorer.ErrMissingCredential):
		logger.Warn("restorer is not configured; restorations will fail", zap.String("backend", cfg.Backend))
		client, closeClient = restorer.Unavailable(err), func() error { return nil }
	case err != nil:
		logger.Fatal("failed to connect to restorer", zap.Error(err))
	}
	defer closeClient() //nolint:errcheck

	flow := workflow.New(client, cfg.Prompt, logger)
	flow.Subscribe(func(s workflow.Snapshot) {
		logger.Debug("workflow transition", zap.String("state", s.State.String()), zap.String("error", s.Error))
	})
	if *configPath != "" {
		if err := config.Watch(ctx, *configPath, logger, func(next *config.Config) { flow.SetPrompt(next.Prompt) }); err != nil {
			logger.Warn("config hot reload disabled", zap.Error(err))
		}
	}

	if *beforePath != "" {
		before, err := upload.FromFile(*beforePath)
		if err != nil {
			logger.Fatal("cannot open photo", zap.Error(err), zap.String("path", *beforePath))
		}
		flow.Select(before)
		if *afterPath != "" {
			after, err := upload.FromFile(*afterPath)
			if err != nil {
				logger.Fatal("cannot open restored photo", zap.Error(err), zap.String("path", *afterPath))
			}
			flow.Show(before, after)
		}
	}

	doc := slider.NewDocument()
	surface := viewport.Mount(doc)
	defer surface.Unmount()

	game := &Game{
		ctx:     ctx,
		logger:  logger.Named("compare"),
		flow:    flow,
		doc:     doc,
		surface: surface,
	}

	ebiten.SetWindowSize(1024, 768)
	ebiten.SetWindowTitle("Images Restore")
	ebiten.SetWindowResizingMode(ebiten.WindowResizingModeEnabled)

	if err := ebiten.RunGame(game); err != nil {
		logger.Fatal("viewer failed", zap.Error(err))
	}
}
