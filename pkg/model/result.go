package model

// ResultWrite is the union of result payloads CatalogStore.WriteResult
// accepts, one per pipeline. Exactly one of the embedded fields is set;
// callers construct via the TagList/Caption/Embeddings/Faces constructors.
type ResultWrite struct {
	ImageID   int64
	TagList   []TagResult
	Caption   *CaptionResult
	Vectors   map[string][]float32
	Faces     []FaceRecord
	// SourceID, when non-zero, marks this write as a dedup copy: the
	// embeddings originated from this image rather than from inference on
	// ImageID.
	SourceID int64
}

// TagResult is a single (tag, confidence) pair with its producing source.
type TagResult struct {
	Tag        string
	Confidence float32
	Source     string
}

// CaptionResult is a generated caption with the prompt that produced it.
type CaptionResult struct {
	Text   string
	Source string
	Prompt string
}

// FaceRecord is one detected/recognized face within an image.
type FaceRecord struct {
	BoundingBox [4]float32 // x, y, width, height, normalized to [0,1]
	Quality     float32
	Crop        []byte
	Embedding   [512]float32
	GroupID     *int64
}

// NewTagListResult builds a ResultWrite carrying tag predictions.
func NewTagListResult(imageID int64, tags []TagResult) ResultWrite {
	return ResultWrite{ImageID: imageID, TagList: tags}
}

// NewCaptionResult builds a ResultWrite carrying a generated caption.
func NewCaptionResult(imageID int64, text, source, prompt string) ResultWrite {
	return ResultWrite{ImageID: imageID, Caption: &CaptionResult{Text: text, Source: source, Prompt: prompt}}
}

// NewEmbeddingsResult builds a ResultWrite carrying named embedding vectors.
// sourceID is 0 for a direct inference result, or the representative's
// image id when this is a dedup copy.
func NewEmbeddingsResult(imageID int64, vectors map[string][]float32, sourceID int64) ResultWrite {
	return ResultWrite{ImageID: imageID, Vectors: vectors, SourceID: sourceID}
}

// NewFacesResult builds a ResultWrite carrying detected faces.
func NewFacesResult(imageID int64, faces []FaceRecord) ResultWrite {
	return ResultWrite{ImageID: imageID, Faces: faces}
}
