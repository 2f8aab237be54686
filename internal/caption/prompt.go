package caption

import (
	"fmt"
	"io"

	"github.com/raphaelgruber/structcap/internal/models"
)

// BuildPrompt embeds the pretty-printed template into the fixed captioning instructions.
func BuildPrompt(tmpl models.Template) string {
	return fmt.Sprintf(`You are analyzing rendered views of a 3D object or scene. Multiple images show different angles of the same object/scene.

Based on these images, generate a structured JSON output following this exact template:

%s

Instructions:
- Analyze all provided images to understand the 3D object/scene from multiple angles
- Fill in the JSON structure with accurate information based on what you observe
- For bounding boxes, provide [x_min, y_min, x_max, y_max] coordinates in pixels
- Be specific and detailed in descriptions
- Maintain the exact JSON structure provided
- Only output the JSON, no additional text

Return only valid JSON.`, tmpl.Indented())
}

// WriteTemplateBanner prints the loaded template ahead of a batch's progress lines.
func WriteTemplateBanner(w io.Writer, tmpl models.Template) {
	fmt.Fprintln(w, "Template structure loaded:")
	fmt.Fprintln(w, tmpl.Indented())
	fmt.Fprintln(w)
}
