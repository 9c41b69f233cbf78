package rules

import "github.com/banshee-data/facebridge/internal/tracking"

// NewContext flattens a frame into the variables rule expressions can use:
// HeadPosX/Y/Z, HeadRotX/Y/Z, EyeLeftX/Y/Z and EyeRightX/Y/Z when the
// matching coordinates are present, plus one entry per blend shape key.
func NewContext(f tracking.Frame) Context {
	ctx := make(Context, len(f.BlendShapes)+12)
	putCoordinates(ctx, "HeadPos", f.Position)
	putCoordinates(ctx, "HeadRot", f.Rotation)
	putCoordinates(ctx, "EyeLeft", f.EyeLeft)
	putCoordinates(ctx, "EyeRight", f.EyeRight)
	for _, bs := range f.BlendShapes {
		ctx[bs.Key] = bs.Value
	}
	return ctx
}

func putCoordinates(ctx Context, prefix string, c *tracking.Coordinates) {
	if c == nil {
		return
	}
	ctx[prefix+"X"] = c.X
	ctx[prefix+"Y"] = c.Y
	ctx[prefix+"Z"] = c.Z
}
