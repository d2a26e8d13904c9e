package ai

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"brivet/internal/config"
	"brivet/internal/logger"
	"brivet/internal/service/detect"

	"gocv.io/x/gocv"
)

const (
	// MinConfidence is the floor for raw detections handed to the tile merger.
	// The user threshold is applied later.
	MinConfidence = 0.05
	// NMSThreshold suppresses duplicates inside a single tile.
	NMSThreshold = 0.45
)

type modelKind int

const (
	modelSSD modelKind = iota
	modelYOLOv8
)

// DetectorService runs a gocv DNN model on image tiles. It implements
// detect.Primitive. The network is not safe for concurrent use, so calls
// are serialized.
type DetectorService struct {
	net       gocv.Net
	kind      modelKind
	labels    []string
	inputSize image.Point
	mu        sync.Mutex
	logger    *logger.Logger
}

// NewDetectorService loads the model named by config. A .onnx model is
// treated as YOLOv8; anything else needs MODEL_CONFIG_PATH and is read as an
// SSD graph.
func NewDetectorService(config *config.Config, logger *logger.Logger) (*DetectorService, error) {
	if _, err := os.Stat(config.ModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("model file not found: %s", config.ModelPath)
	}

	service := &DetectorService{logger: logger}

	var net gocv.Net
	if strings.EqualFold(filepath.Ext(config.ModelPath), ".onnx") {
		net = gocv.ReadNetFromONNX(config.ModelPath)
		service.kind = modelYOLOv8
		service.inputSize = image.Pt(640, 640)
		service.labels = COCOClasses
	} else {
		if _, err := os.Stat(config.ModelConfigPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", config.ModelConfigPath)
		}
		net = gocv.ReadNet(config.ModelPath, config.ModelConfigPath)
		service.kind = modelSSD
		service.inputSize = image.Pt(300, 300)
		service.labels = SSDClasses
	}

	if net.Empty() {
		return nil, fmt.Errorf("failed to load network from %s", config.ModelPath)
	}
	errBackend := net.SetPreferableBackend(gocv.NetBackendDefault)
	errTarget := net.SetPreferableTarget(gocv.NetTargetCPU)
	if errBackend != nil || errTarget != nil {
		net.Close()
		return nil, fmt.Errorf("failed to set preferable backend or target")
	}
	service.net = net

	if config.LabelsPath != "" {
		labels, err := LoadLabels(config.LabelsPath)
		if err != nil {
			net.Close()
			return nil, err
		}
		service.labels = labels
	}

	logger.Info("🧠 Detection network initialized (%s, %d labels)", filepath.Base(config.ModelPath), len(service.labels))
	return service, nil
}

// Detect runs the network on one tile and returns boxes in tile coordinates.
func (s *DetectorService) Detect(ctx context.Context, tile image.Image) ([]detect.Box, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mat, err := gocv.ImageToMatRGB(tile)
	if err != nil {
		return nil, fmt.Errorf("failed to convert tile: %w", err)
	}
	defer mat.Close()

	if mat.Empty() {
		return nil, fmt.Errorf("tile is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.kind {
	case modelYOLOv8:
		return s.detectYOLOv8(mat)
	default:
		return s.detectSSD(mat)
	}
}

// detectSSD handles graphs whose output rows are
// [batch_id, class_id, confidence, x1, y1, x2, y2] in relative coordinates.
func (s *DetectorService) detectSSD(mat gocv.Mat) ([]detect.Box, error) {
	blob := gocv.BlobFromImage(mat, 1.0/127.5, s.inputSize, gocv.NewScalar(127.5, 127.5, 127.5, 0), true, false)
	defer blob.Close()

	s.net.SetInput(blob, "")
	output := s.net.Forward("")
	defer output.Close()

	cols := float32(mat.Cols())
	rows := float32(mat.Rows())

	var boxes []detect.Box
	reshaped := output.Reshape(1, output.Total()/7)
	defer reshaped.Close()
	for i := 0; i < reshaped.Rows(); i++ {
		confidence := reshaped.GetFloatAt(i, 2)
		if confidence < MinConfidence {
			continue
		}
		classID := int(reshaped.GetFloatAt(i, 1))
		rect := image.Rect(
			int(reshaped.GetFloatAt(i, 3)*cols),
			int(reshaped.GetFloatAt(i, 4)*rows),
			int(reshaped.GetFloatAt(i, 5)*cols),
			int(reshaped.GetFloatAt(i, 6)*rows),
		)
		boxes = append(boxes, detect.Box{
			Label:      s.label(classID),
			Confidence: confidence,
			Rect:       rect,
		})
	}
	return boxes, nil
}

// detectYOLOv8 handles the [1, 4+classes, anchors] output of YOLOv8 exports.
func (s *DetectorService) detectYOLOv8(mat gocv.Mat) ([]detect.Box, error) {
	blob := gocv.BlobFromImage(mat, 1.0/255.0, s.inputSize, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	s.net.SetInput(blob, "")
	output := s.net.Forward("")
	defer output.Close()

	dims := output.Size()
	if len(dims) != 3 {
		return nil, fmt.Errorf("unexpected YOLO output shape %v", dims)
	}
	channels, anchors := dims[1], dims[2]

	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("failed to read YOLO output: %w", err)
	}

	scaleX := float32(mat.Cols()) / float32(s.inputSize.X)
	scaleY := float32(mat.Rows()) / float32(s.inputSize.Y)

	var rects []image.Rectangle
	var scores []float32
	var classIDs []int
	for i := 0; i < anchors; i++ {
		best := float32(0)
		bestClass := 0
		for c := 4; c < channels; c++ {
			if score := data[c*anchors+i]; score > best {
				best = score
				bestClass = c - 4
			}
		}
		if best < MinConfidence {
			continue
		}

		cx := data[0*anchors+i]
		cy := data[1*anchors+i]
		w := data[2*anchors+i]
		h := data[3*anchors+i]

		rects = append(rects, image.Rect(
			int((cx-w/2)*scaleX), int((cy-h/2)*scaleY),
			int((cx+w/2)*scaleX), int((cy+h/2)*scaleY),
		))
		scores = append(scores, best)
		classIDs = append(classIDs, bestClass)
	}

	if len(rects) == 0 {
		return nil, nil
	}

	indices := gocv.NMSBoxes(rects, scores, MinConfidence, NMSThreshold)
	boxes := make([]detect.Box, 0, len(indices))
	for _, idx := range indices {
		boxes = append(boxes, detect.Box{
			Label:      s.label(classIDs[idx]),
			Confidence: scores[idx],
			Rect:       rects[idx],
		})
	}
	return boxes, nil
}

func (s *DetectorService) label(classID int) string {
	if classID >= 0 && classID < len(s.labels) && s.labels[classID] != "" {
		return s.labels[classID]
	}
	return fmt.Sprintf("class%d", classID)
}

// Close releases the network.
func (s *DetectorService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.net.Close()
}

// LoadLabels reads one label per line. Blank lines keep their index so
// sparse id spaces like COCO's 91 SSD ids can be expressed.
func LoadLabels(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open labels: %w", err)
	}
	defer file.Close()

	var labels []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		labels = append(labels, strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read labels: %w", err)
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("labels file %s is empty", path)
	}
	return labels, nil
}
