// Package metadata renders acquisition metadata as OME-styled XML so runs
// can be inspected with standard microscopy tooling.
package metadata

import (
	"fmt"
	"sort"
	"time"

	"github.com/beevik/etree"

	"github.com/finchlab/scopeflow/api/schemas"
)

const omeNamespace = "http://www.openmicroscopy.org/Schemas/OME/2016-06"

// Writer builds OME XML documents for acquired observations.
type Writer struct {
	instrument string
}

// NewWriter names the instrument recorded in each document.
func NewWriter(instrument string) *Writer {
	if instrument == "" {
		instrument = "scopeflow-sim"
	}
	return &Writer{instrument: instrument}
}

// Document renders the OME metadata for a run's acquisitions. Each
// observation becomes an Image element carrying its stage position, channel,
// and exposure.
func (w *Writer) Document(runID string, observations []schemas.RawObservation) ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	ome := doc.CreateElement("OME")
	ome.CreateAttr("xmlns", omeNamespace)
	ome.CreateAttr("UUID", "urn:uuid:"+runID)

	instrument := ome.CreateElement("Instrument")
	instrument.CreateAttr("ID", "Instrument:0")
	micro := instrument.CreateElement("Microscope")
	micro.CreateAttr("Model", w.instrument)

	for i, obs := range observations {
		img := ome.CreateElement("Image")
		img.CreateAttr("ID", fmt.Sprintf("Image:%d", i))
		img.CreateAttr("Name", obs.ID)

		acq := img.CreateElement("AcquisitionDate")
		acq.SetText(obs.AcquiredAt.UTC().Format(time.RFC3339))

		pixels := img.CreateElement("Pixels")
		pixels.CreateAttr("ID", fmt.Sprintf("Pixels:%d", i))
		pixels.CreateAttr("SizeX", fmt.Sprintf("%d", obs.Frame.Width))
		pixels.CreateAttr("SizeY", fmt.Sprintf("%d", obs.Frame.Height))
		pixels.CreateAttr("SizeZ", "1")
		pixels.CreateAttr("SizeC", "1")
		pixels.CreateAttr("SizeT", "1")
		pixels.CreateAttr("Type", "uint16")
		pixels.CreateAttr("DimensionOrder", "XYZCT")

		channel := pixels.CreateElement("Channel")
		channel.CreateAttr("ID", fmt.Sprintf("Channel:%d:0", i))
		channel.CreateAttr("Name", obs.FieldOfView.Channel)

		plane := pixels.CreateElement("Plane")
		plane.CreateAttr("TheZ", "0")
		plane.CreateAttr("TheC", "0")
		plane.CreateAttr("TheT", "0")
		plane.CreateAttr("PositionX", fmt.Sprintf("%.3f", obs.FieldOfView.Position.X))
		plane.CreateAttr("PositionY", fmt.Sprintf("%.3f", obs.FieldOfView.Position.Y))
		plane.CreateAttr("PositionZ", fmt.Sprintf("%.3f", obs.FieldOfView.Position.Z))
		plane.CreateAttr("PositionXUnit", "µm")
		plane.CreateAttr("PositionYUnit", "µm")
		plane.CreateAttr("PositionZUnit", "µm")
		plane.CreateAttr("ExposureTime", fmt.Sprintf("%.1f", obs.FieldOfView.ExposureMs))
		plane.CreateAttr("ExposureTimeUnit", "ms")

		keys := make([]string, 0, len(obs.Metadata))
		for k := range obs.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			ann := img.CreateElement("Description")
			ann.SetText(k + "=" + obs.Metadata[k])
		}
	}

	doc.Indent(2)
	return doc.WriteToBytes()
}
