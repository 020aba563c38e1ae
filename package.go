// Comfynaut bridges a chat or HTTP front-end to a ComfyUI backend. It turns a small set of
// intents (text-to-image, image-to-image, image-to-video and batch runs) into workflow
// submissions, waits for each job to finish over the backend's event stream (falling back
// to queue polling), and hands back references to the produced media.
package comfynaut
