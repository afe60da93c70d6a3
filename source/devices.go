package source

import "gocv.io/x/gocv"

// maxProbeIndex bounds the camera probe range.
const maxProbeIndex = 10

// ListCameras probes device indices 0 through maxProbeIndex-1 and returns
// the ones that can be opened. Probing opens and immediately releases each
// device, so it must not run while a capture session holds one.
func ListCameras() []int {
	var cameras []int
	for i := 0; i < maxProbeIndex; i++ {
		cam, err := gocv.OpenVideoCapture(i)
		if err != nil {
			continue
		}
		if cam.IsOpened() {
			cameras = append(cameras, i)
		}
		cam.Close()
	}
	return cameras
}
