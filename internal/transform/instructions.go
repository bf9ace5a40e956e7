package transform

import (
	"fmt"

	"github.com/kalamazoo/listai/internal/bulkjob"
)

// transformSystemInstruction frames every edit as product photography work so
// the model preserves the garment and only changes presentation.
const transformSystemInstruction = `You are a product photography retoucher for an online clothing marketplace.
You edit a single listing photo at a time. Preserve the garment exactly: its
color, fabric texture, stitching, prints, logos, and any visible wear or flaws
must remain unchanged. Never add text or watermarks. Return the edited image.`

// kindInstructions maps each bulk transform kind to its editing instruction.
var kindInstructions = map[bulkjob.Kind]string{
	bulkjob.KindBackgroundRemoval: `Remove the background completely and replace it with a plain,
uniform white studio background. Keep the garment and its shadows natural.
Do not crop or rotate the garment.`,

	bulkjob.KindGhostMannequin: `Produce a ghost mannequin (invisible mannequin) shot: remove any
mannequin, hanger, or person so the garment appears worn by an invisible body,
keeping its three-dimensional shape, neckline interior, and natural drape.
Use a plain white background.`,

	bulkjob.KindModelTryOn: `Generate a realistic photo of a model wearing this exact garment.
The garment must match the input precisely. Use a neutral studio setting,
natural pose, and soft lighting suitable for a marketplace listing.`,

	bulkjob.KindExpansion: `Expand the photo outward (outpainting) to a full standard listing
frame. Continue the existing background seamlessly and keep the garment at its
current position and scale. Do not alter the garment itself.`,
}

// InstructionFor returns the editing instruction for a transform kind.
// Unknown kinds are an error so a job fails fast instead of sending an
// empty prompt.
func InstructionFor(kind bulkjob.Kind) (string, error) {
	instr, ok := kindInstructions[kind]
	if !ok {
		return "", fmt.Errorf("no editing instruction for transform kind %q", kind)
	}
	return instr, nil
}
