// Copyright 2024 The Taskhook Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package archdrv

import "fmt"

// MaskResult returns the low width bytes of v, which is what spec §4.D
// requires for result decoding: "the low r bytes are written to caller
// storage in native byte order." Shared by both Driver implementations
// since result decoding does not vary by architecture.
func MaskResult(v uint64, width int) (uint64, error) {
	if width < 1 || width > 8 {
		return 0, fmt.Errorf("archdrv: unsupported result width %d", width)
	}
	if width == 8 {
		return v, nil
	}
	mask := uint64(1)<<(uint(width)*8) - 1
	return v & mask, nil
}
